package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TextComponent is the recursive chat-component sum type used by both the
// Status Response description and the Login Disconnect payload.
//
// A TextComponent always normalizes to the Object shape internally: a bare
// JSON string promotes to {text: s}, and a JSON array promotes to its first
// element with the rest appended to Extra (see UnmarshalJSON).
type TextComponent struct {
	Text          string          `json:"text"`
	Bold          *bool           `json:"bold,omitempty"`
	Italic        *bool           `json:"italic,omitempty"`
	Underlined    *bool           `json:"underlined,omitempty"`
	Strikethrough *bool           `json:"strikethrough,omitempty"`
	Obfuscated    *bool           `json:"obfuscated,omitempty"`
	Color         string          `json:"color,omitempty"`
	Extra         []TextComponent `json:"extra,omitempty"`
}

// String builds a plain-text TextComponent, the common case for
// placeholder descriptions.
func String(s string) TextComponent {
	return TextComponent{Text: s}
}

// UnmarshalJSON accepts any of the three wire shapes the chat format
// allows: a bare string, an array, or a styled object.
func (t *TextComponent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("protocol: empty text component")
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*t = TextComponent{Text: s}
		return nil
	case '[':
		var arr []TextComponent
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return err
		}
		if len(arr) == 0 {
			*t = TextComponent{}
			return nil
		}
		first := arr[0]
		first.Extra = append(append([]TextComponent{}, first.Extra...), arr[1:]...)
		*t = first
		return nil
	case '{':
		type alias TextComponent
		var obj alias
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		*t = TextComponent(obj)
		return nil
	default:
		return fmt.Errorf("protocol: text component must be string, array, or object")
	}
}

// StyledRun is one leaf of a normalized TextComponent tree: a run of text
// with all style fields resolved (inherited from ancestors where the node
// itself did not set them).
type StyledRun struct {
	Text          string
	Bold          bool
	Italic        bool
	Underlined    bool
	Strikethrough bool
	Obfuscated    bool
	Color         string
}

// styleState tracks inherited style as Normalize walks the component tree.
// A nil *bool field means "not yet set by any ancestor"; Color "" means
// the same for the color field.
type styleState struct {
	bold, italic, underlined, strikethrough, obfuscated *bool
	color                                               string
}

func (p styleState) child(t TextComponent) styleState {
	return styleState{
		bold:          mergeBool(p.bold, t.Bold),
		italic:        mergeBool(p.italic, t.Italic),
		underlined:    mergeBool(p.underlined, t.Underlined),
		strikethrough: mergeBool(p.strikethrough, t.Strikethrough),
		obfuscated:    mergeBool(p.obfuscated, t.Obfuscated),
		color:         mergeColor(p.color, t.Color),
	}
}

func mergeBool(parent, current *bool) *bool {
	if current != nil {
		return current
	}
	return parent
}

func mergeColor(parent, current string) string {
	if current != "" {
		return current
	}
	return parent
}

func boolOf(p *bool) bool {
	return p != nil && *p
}

// Normalize flattens the component tree into a list of styled runs, with
// style fields inherited parent->child and overridden wherever a child
// explicitly sets them.
func (t TextComponent) Normalize() []StyledRun {
	var out []StyledRun
	normalizeInto(&out, styleState{}, t)
	return out
}

func normalizeInto(out *[]StyledRun, parent styleState, t TextComponent) {
	st := parent.child(t)
	*out = append(*out, StyledRun{
		Text:          t.Text,
		Bold:          boolOf(st.bold),
		Italic:        boolOf(st.italic),
		Underlined:    boolOf(st.underlined),
		Strikethrough: boolOf(st.strikethrough),
		Obfuscated:    boolOf(st.obfuscated),
		Color:         st.color,
	})
	for _, child := range t.Extra {
		normalizeInto(out, st, child)
	}
}
