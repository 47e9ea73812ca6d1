// Package mustache renders templates against a JSON tree, covering the
// tag set the fleet's dump formatters rely on: escaped and unescaped
// variables, serialized-subtree data tags, sections and inverted
// sections with iteration bindings, comments, and delimiter changes.
package mustache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// MaxDelimSize bounds a delimiter string set by a {{=<% %>=}} tag.
const MaxDelimSize = 10

type tagType int

const (
	tagVar tagType = iota
	tagVarUnescaped
	tagVarSerialized
	tagVarSerializedCompact
	tagSection
	tagSectionEnd
	tagInverted
	tagComment
	tagDelim
	tagErr
	tagNone
)

func (t tagType) renderable() bool {
	switch t {
	case tagComment, tagDelim, tagErr, tagInverted, tagSection, tagSectionEnd:
		return false
	default:
		return true
	}
}

type tag struct {
	typ     tagType
	begin   int // offset of the opening delimiter
	end     int // offset just past the closing delimiter
	content string
}

// Render expands template against root and returns the output text.
func Render(template string, root *Value) (string, error) {
	r := &renderer{
		tpl:        template,
		stack:      []*Value{root},
		delimStart: "{{",
		delimEnd:   "}}",
	}
	_, err := r.render(0, "", false, false, "")
	if err != nil {
		return "", err
	}
	return r.out.String(), nil
}

// RenderJSON is Render over a raw JSON document, for callers that have
// not already decoded their data into a Value tree.
func RenderJSON(template string, doc []byte) (string, error) {
	root, err := FromJSON(doc)
	if err != nil {
		return "", err
	}
	return Render(template, root)
}

type renderer struct {
	tpl        string
	out        strings.Builder
	stack      []*Value
	delimStart string
	delimEnd   string
}

// render walks the template from pos until its end (section == "") or
// the matching section-end tag, returning the position just past where
// it stopped. jsonKey/hasKey carry the current iteration key for {{@}};
// skip suppresses output without suppressing parsing, so a skipped
// section still consumes its body exactly once.
func (r *renderer) render(pos int, jsonKey string, hasKey bool, skip bool, section string) (int, error) {
	for {
		t, found := r.nextTag(pos)
		if !found {
			if section != "" {
				return 0, fmt.Errorf("mustache: unexpected end of template inside section '%s'", section)
			}
			r.emit(r.tpl[pos:], skip)
			return len(r.tpl), nil
		}

		if lineBegin, lineEnd, standalone := r.standalone(t); !t.typ.renderable() && standalone {
			r.emit(r.tpl[pos:lineBegin], skip)
			pos = lineEnd
		} else {
			r.emit(r.tpl[pos:t.begin], skip)
			pos = t.end
		}

		switch t.typ {
		case tagErr:
			return 0, fmt.Errorf("mustache: broken template near offset %d", t.begin)

		case tagDelim:
			if err := r.setDelimiters(t.content); err != nil {
				return 0, err
			}

		case tagComment:
			// skip

		case tagVar, tagVarUnescaped, tagVarSerialized, tagVarSerializedCompact:
			if skip {
				continue
			}
			if t.content == "" {
				// An empty tag renders the delimiters themselves.
				r.out.WriteString(r.delimStart)
				r.out.WriteString(r.delimEnd)
				continue
			}
			if err := r.renderVariable(t, jsonKey, hasKey); err != nil {
				return 0, err
			}

		case tagSection, tagInverted:
			next, err := r.renderSection(t, pos, skip)
			if err != nil {
				return 0, err
			}
			pos = next

		case tagSectionEnd:
			if section == "" {
				return 0, fmt.Errorf("mustache: unknown section close '%s'", t.content)
			}
			return pos, nil
		}
	}
}

func (r *renderer) emit(s string, skip bool) {
	if !skip {
		r.out.WriteString(s)
	}
}

// renderSection handles one {{#name}} or {{^name}} tag whose body
// starts at pos, returning the position just past the section end. The
// body is walked once per iteration value (or once, suppressed, when
// the section does not render at all, so parsing stays in sync).
func (r *renderer) renderSection(t tag, pos int, skip bool) (int, error) {
	v := r.lookup(t.content)
	inverted := t.typ == tagInverted

	r.stack = append(r.stack, v)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	if v.isContainer() && v.Len() > 0 {
		end := pos
		for i, child := range v.items {
			key := strconv.Itoa(i)
			if v.kind == KindObject {
				key = v.keys[i]
			}
			r.stack = append(r.stack, child)
			var err error
			end, err = r.render(pos, key, true, skip || inverted, t.content)
			r.stack = r.stack[:len(r.stack)-1]
			if err != nil {
				return 0, err
			}
		}
		return end, nil
	}

	// Absent values, falsy scalars and empty containers render the body
	// for inverted sections only; truthy scalars render it once.
	renders := v.truthy() != inverted
	return r.render(pos, "", false, skip || !renders, t.content)
}

func (r *renderer) renderVariable(t tag, jsonKey string, hasKey bool) error {
	itemMode := t.content == "."
	keyMode := t.content == "@"

	var v *Value
	if itemMode || keyMode {
		v = r.stack[len(r.stack)-1]
	} else {
		v = r.lookup(t.content)
	}

	if keyMode {
		if !hasKey {
			return fmt.Errorf("mustache: {{@}} tag used outside any iteration context")
		}
		r.emitEscapable(jsonKey, t.typ == tagVar)
		return nil
	}

	if v == nil {
		return nil // absent variables render as nothing
	}

	switch v.kind {
	case KindArray, KindObject:
		if t.typ == tagVarSerialized || t.typ == tagVarSerializedCompact {
			v.WriteJSON(&r.out, t.typ == tagVarSerializedCompact)
			return nil
		}
		return fmt.Errorf("mustache: variable '%s' is a container, use a data tag or section", t.content)
	default:
		// Serialized tags on primitives fall back to plain rendering;
		// escaping applies to the plain {{name}} form only.
		r.emitEscapable(v.primitiveString(), t.typ == tagVar)
		return nil
	}
}

func (r *renderer) emitEscapable(s string, escape bool) {
	if escape {
		r.out.WriteString(escapeHTML(s))
		return
	}
	r.out.WriteString(s)
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	`"`, "&quot;",
	"<", "&lt;",
	">", "&gt;",
)

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }

// lookup resolves a dotted variable name against the hash stack: the
// base component is searched top-of-stack downwards through object
// frames, -top- names the root, and remaining components walk object
// properties.
func (r *renderer) lookup(name string) *Value {
	comps := strings.Split(name, ".")

	var base *Value
	if comps[0] == "-top-" {
		base = r.stack[0]
	}
	for i := len(r.stack) - 1; i >= 0; i-- {
		hash := r.stack[i]
		if hash == nil || hash.kind != KindObject {
			continue
		}
		if v := hash.Get(comps[0]); v != nil {
			base = v
			break
		}
	}
	if base == nil {
		return nil
	}

	for _, comp := range comps[1:] {
		if base.kind != KindObject {
			return nil
		}
		base = base.Get(comp)
		if base == nil {
			return nil
		}
	}
	return base
}

func (r *renderer) setDelimiters(content string) error {
	fields := strings.FieldsFunc(content, func(c rune) bool { return c == ' ' || c == '\t' })
	if len(fields) != 2 {
		return fmt.Errorf("mustache: delimiter tag needs exactly 2 tokens, got %d in '%s'", len(fields), content)
	}
	if len(fields[0]) > MaxDelimSize || len(fields[1]) > MaxDelimSize {
		return fmt.Errorf("mustache: delimiter exceeds the allowed size of %d in '%s'", MaxDelimSize, content)
	}
	r.delimStart, r.delimEnd = fields[0], fields[1]
	return nil
}

// nextTag scans forward from pos for the next tag under the current
// delimiters.
func (r *renderer) nextTag(pos int) (tag, bool) {
	idx := strings.Index(r.tpl[pos:], r.delimStart)
	if idx < 0 {
		return tag{typ: tagNone}, false
	}

	t := tag{begin: pos + idx}
	content := t.begin + len(r.delimStart)
	extraEnd := ""

	if content < len(r.tpl) {
		switch r.tpl[content] {
		case '#':
			t.typ = tagSection
			content++
		case '^':
			t.typ = tagInverted
			content++
		case '/':
			t.typ = tagSectionEnd
			content++
		case '!':
			t.typ = tagComment
			content++
		case '=':
			t.typ = tagDelim
			extraEnd = "="
			content++
		case '{':
			t.typ = tagVarUnescaped
			extraEnd = "}"
			content++
		case '&':
			t.typ = tagVarUnescaped
			content++
		case '%':
			t.typ = tagVarSerialized
			content++
		case '$':
			t.typ = tagVarSerializedCompact
			content++
		default:
			t.typ = tagVar
		}
	} else {
		t.typ = tagVar
	}

	var contentEnd int
	if extraEnd != "" {
		quoted := strings.Index(r.tpl[content:], extraEnd)
		if quoted < 0 || !strings.HasPrefix(r.tpl[content+quoted+1:], r.delimEnd) {
			logrus.Warnf("mustache: broken template, no matching end for quoted tag at offset %d", t.begin)
			t.typ = tagErr
			return t, true
		}
		contentEnd = content + quoted
		t.end = contentEnd + 1 + len(r.delimEnd)
	} else {
		closing := strings.Index(r.tpl[content:], r.delimEnd)
		if closing < 0 {
			logrus.Warnf("mustache: broken template, no end delimiter after offset %d", t.begin)
			t.typ = tagErr
			return t, true
		}
		contentEnd = content + closing
		t.end = contentEnd + len(r.delimEnd)
	}

	t.content = strings.Trim(r.tpl[content:contentEnd], " \t")
	return t, true
}

// standalone reports whether t sits on a line of its own surrounded
// only by whitespace; such lines are stripped entirely, newline
// included, for non-content tags.
func (r *renderer) standalone(t tag) (lineBegin, lineEnd int, ok bool) {
	lineBegin = 0
	for cur := t.begin - 1; cur >= 0; cur-- {
		c := r.tpl[cur]
		if c == ' ' || c == '\t' {
			lineBegin = cur
			continue
		}
		if c == '\n' {
			lineBegin = cur + 1
			break
		}
		return 0, 0, false
	}

	for cur := t.end; ; cur++ {
		if cur >= len(r.tpl) {
			return lineBegin, len(r.tpl), true
		}
		switch r.tpl[cur] {
		case ' ', '\t':
			continue
		case '\n':
			return lineBegin, cur + 1, true
		case '\r':
			if cur+1 < len(r.tpl) && r.tpl[cur+1] == '\n' {
				return lineBegin, cur + 2, true
			}
			continue
		default:
			return 0, 0, false
		}
	}
}
