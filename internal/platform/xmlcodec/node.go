// Package xmlcodec converts between XML documents and a small element tree.
//
// Parsing strips namespace prefixes from element and attribute names so that
// callers never depend on the prefix a peer happened to choose. Repeated and
// singleton children are read the same way through Node.All. Building keeps
// sibling and attribute order exactly as constructed and drops empty
// elements.
package xmlcodec

import "strings"

const (
	// AttrPrefix marks a path segment as an attribute name in Node.Value.
	AttrPrefix = "_"
	// TextKey addresses the character data of an element in Node.Value.
	TextKey = "_text"
)

// Attr is a single XML attribute. On parsed nodes Name is the local name.
type Attr struct {
	Name  string
	Value string
}

// Node is one XML element. Parsed nodes carry local names and the resolved
// namespace URI in Space; nodes built for output may carry a literal prefix
// in Name ("soap:Body"), which Build writes unchanged.
type Node struct {
	Name     string
	Space    string
	Attrs    []Attr
	Text     string
	Children []*Node

	// raw is a pre-serialized fragment written verbatim by Build.
	raw string
}

// El returns a new element with the given children. Nil children are
// skipped so optional subtrees can be passed inline.
func El(name string, children ...*Node) *Node {
	n := &Node{Name: name}
	return n.Add(children...)
}

// TextEl returns an element holding only character data.
func TextEl(name, text string) *Node {
	return &Node{Name: name, Text: text}
}

// Raw returns a node that Build writes as-is. The fragment must already be
// well-formed XML; it is not escaped or validated.
func Raw(fragment string) *Node {
	return &Node{raw: fragment}
}

// Add appends children, skipping nil entries, and returns n.
func (n *Node) Add(children ...*Node) *Node {
	for _, c := range children {
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

// Set appends an attribute and returns n. Empty values are not recorded.
func (n *Node) Set(name, value string) *Node {
	if value == "" {
		return n
	}
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	return n
}

// SetText sets the element's character data and returns n.
func (n *Node) SetText(text string) *Node {
	n.Text = text
	return n
}

// LocalName returns name without any namespace prefix.
func LocalName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// First returns the first child with the given local name, or nil.
func (n *Node) First(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if LocalName(c.Name) == name {
			return c
		}
	}
	return nil
}

// All returns every child with the given local name. A single element and a
// list of one are indistinguishable to the caller; a missing element yields
// an empty slice.
func (n *Node) All(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if LocalName(c.Name) == name {
			out = append(out, c)
		}
	}
	return out
}

// Find follows a path of local element names and returns the node at its
// end, or nil when any step is missing.
func (n *Node) Find(path ...string) *Node {
	cur := n
	for _, p := range path {
		cur = cur.First(p)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Attr returns the value of the attribute with the given local name.
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attrs {
		if LocalName(a.Name) == name {
			return a.Value
		}
	}
	return ""
}

// TextValue returns the element's character data; nil nodes yield "".
func (n *Node) TextValue() string {
	if n == nil {
		return ""
	}
	return n.Text
}

// Value resolves a path whose last segment may address an attribute
// ("_extension") or the text of the element reached so far ("_text"). A
// path ending in an element name returns that element's text.
func (n *Node) Value(path ...string) string {
	if len(path) == 0 {
		return n.TextValue()
	}
	last := path[len(path)-1]
	switch {
	case last == TextKey:
		return n.Find(path[:len(path)-1]...).TextValue()
	case strings.HasPrefix(last, AttrPrefix):
		return n.Find(path[:len(path)-1]...).Attr(strings.TrimPrefix(last, AttrPrefix))
	default:
		return n.Find(path...).TextValue()
	}
}

// IsEmpty reports whether Build would drop n: no attributes, no text, no raw
// fragment and no non-empty children.
func (n *Node) IsEmpty() bool {
	if n == nil {
		return true
	}
	if n.raw != "" || len(n.Attrs) > 0 || strings.TrimSpace(n.Text) != "" {
		return false
	}
	for _, c := range n.Children {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}
