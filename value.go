package partstream

// Value is one part collected by Parse: its payload and headers. Its
// accessors mirror the ones on Part.
type Value struct {
	content []byte
	header  Header
}

// Text returns the payload as a string.
func (v Value) Text() string {
	return string(v.content)
}

// Bytes returns the raw payload without copying.
func (v Value) Bytes() []byte {
	return v.content
}

// Header returns the part's decoded headers.
func (v Value) Header() Header {
	return v.header
}

// FormValue returns the text of the first collected part with the given
// name, like the method of the same name on http.Request. It returns ""
// when no such part was collected.
func (p *Parser) FormValue(name string) string {
	if values := p.values[name]; len(values) > 0 {
		return values[0].Text()
	}
	return ""
}

// FormValues returns every collected part with the given name, in body
// order, or nil when there are none.
func (p *Parser) FormValues(name string) []Value {
	return p.values[name]
}
