package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// CreateElement returns a detached element.
func CreateElement(tag string) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
}

// AppendChild moves child to the end of parent.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore moves child into parent just before ref (nil appends).
// A reference that is not a child of parent appends. A node that already
// sits at the requested position is left alone and produces no record.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if parent == nil || child == nil || child == parent {
		return
	}
	if ref == child {
		ref = child.NextSibling
	}
	if ref != nil && ref.Parent != parent {
		ref = nil
	}
	if child.Parent == parent && child.NextSibling == ref {
		return
	}
	if child.Parent != nil {
		d.RemoveChild(child)
	}
	parent.InsertBefore(child, ref)
	d.notify(MutationRecord{Kind: ChildList, Target: parent, Added: []*html.Node{child}})
}

// RemoveChild detaches n from its parent. Detached nodes are ignored.
func (d *Document) RemoveChild(n *html.Node) {
	if n == nil || n.Parent == nil {
		return
	}
	parent := n.Parent
	parent.RemoveChild(n)
	d.notify(MutationRecord{Kind: ChildList, Target: parent, Removed: []*html.Node{n}})
}

// SetTextContent replaces the children of n with a single text node.
// Setting the current text again is a no-op.
func (d *Document) SetTextContent(n *html.Node, text string) {
	if n == nil {
		return
	}
	if TextContent(n) == text && (n.FirstChild == nil || n.FirstChild == n.LastChild) {
		return
	}
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	var added []*html.Node
	if text != "" {
		tn := &html.Node{Type: html.TextNode, Data: text}
		n.AppendChild(tn)
		added = append(added, tn)
	}
	if len(removed) == 0 && len(added) == 0 {
		return
	}
	d.notify(MutationRecord{Kind: ChildList, Target: n, Added: added, Removed: removed})
}

// SetData changes the contents of a text node in place.
func (d *Document) SetData(n *html.Node, data string) {
	if n == nil || n.Type != html.TextNode || n.Data == data {
		return
	}
	old := n.Data
	n.Data = data
	d.notify(MutationRecord{Kind: CharacterData, Target: n, OldValue: old})
}

// SetAttribute sets key on n. Writing the current value is a no-op.
func (d *Document) SetAttribute(n *html.Node, key, val string) {
	if n == nil || n.Type != html.ElementNode {
		return
	}
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			if n.Attr[i].Val == val {
				return
			}
			old := n.Attr[i].Val
			n.Attr[i].Val = val
			d.notify(MutationRecord{Kind: Attributes, Target: n, AttributeName: key, OldValue: old})
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	d.notify(MutationRecord{Kind: Attributes, Target: n, AttributeName: key})
}

// RemoveAttribute deletes key from n if present.
func (d *Document) RemoveAttribute(n *html.Node, key string) {
	if n == nil {
		return
	}
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			old := n.Attr[i].Val
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.notify(MutationRecord{Kind: Attributes, Target: n, AttributeName: key, OldValue: old})
			return
		}
	}
}
