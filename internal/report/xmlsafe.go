package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// guardedTokens passes tokens through and rejects any directive. Entity
// declarations live in the DTD, so refusing <!DOCTYPE ...> outright defuses
// entity-expansion bombs before any entity is referenced.
type guardedTokens struct {
	d *xml.Decoder
}

func (g guardedTokens) Token() (xml.Token, error) {
	tok, err := g.d.Token()
	if err != nil {
		return nil, err
	}
	if dir, ok := tok.(xml.Directive); ok {
		return nil, fmt.Errorf("xml directive not allowed: %.40s", bytes.TrimSpace(dir))
	}
	return tok, nil
}

// newSafeDecoder returns a strict decoder that refuses DTDs and leaves
// unknown entities as errors.
func newSafeDecoder(r io.Reader) *xml.Decoder {
	inner := xml.NewDecoder(r)
	inner.Strict = true
	return xml.NewTokenDecoder(guardedTokens{d: inner})
}

// decodeElements calls fn for every start element named local, at any
// depth, so that documents with one root or a wrapping root are handled alike.
func decodeElements(data []byte, local string, fn func(d *xml.Decoder, start xml.StartElement) error) error {
	d := newSafeDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != local {
			continue
		}
		if err := fn(d, start); err != nil {
			return err
		}
	}
}
