package xmlcodec

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Declaration is the prolog written by BuildDocument.
const Declaration = `<?xml version="1.0" encoding="UTF-8"?>`

// Build serializes n without an XML declaration. Empty elements (see
// Node.IsEmpty) are omitted; order of siblings and attributes is kept.
func Build(n *Node) ([]byte, error) {
	if n.IsEmpty() {
		return nil, fmt.Errorf("xmlcodec: nothing to build")
	}
	var buf bytes.Buffer
	if err := write(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildDocument serializes n preceded by the UTF-8 XML declaration.
func BuildDocument(n *Node) ([]byte, error) {
	body, err := Build(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(Declaration)+len(body))
	out = append(out, Declaration...)
	return append(out, body...), nil
}

func write(buf *bytes.Buffer, n *Node) error {
	if n.IsEmpty() {
		return nil
	}
	if n.raw != "" && n.Name == "" {
		buf.WriteString(n.raw)
		return nil
	}
	if n.Name == "" {
		return fmt.Errorf("xmlcodec: element without a name")
	}

	buf.WriteByte('<')
	buf.WriteString(n.Name)
	for _, a := range n.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		if err := xml.EscapeText(buf, []byte(a.Value)); err != nil {
			return err
		}
		buf.WriteByte('"')
	}

	hasContent := n.Text != "" || n.raw != ""
	if !hasContent {
		for _, c := range n.Children {
			if !c.IsEmpty() {
				hasContent = true
				break
			}
		}
	}
	if !hasContent {
		buf.WriteString("/>")
		return nil
	}
	buf.WriteByte('>')

	if n.Text != "" {
		if err := xml.EscapeText(buf, []byte(n.Text)); err != nil {
			return err
		}
	}
	buf.WriteString(n.raw)
	for _, c := range n.Children {
		if err := write(buf, c); err != nil {
			return err
		}
	}

	buf.WriteString("</")
	buf.WriteString(n.Name)
	buf.WriteByte('>')
	return nil
}
