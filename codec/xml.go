package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strings"

	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// Reserved XML names.
const (
	xmlPrefix     = "KRB_"
	xmlType       = "KRB_Type"
	xmlArtificial = "KRB_Artificial"
	xmlSchemaName = "KRB_Schema"
	xmlItem       = "KRB_Item"
	xmlRoot       = "root"
	xmlSlash      = ".KRB_SLASH."
)

// EncodeXML renders h as indented XML. A Hash whose only entry is a nested
// Hash becomes a document rooted at that entry; anything else is wrapped in
// an artificial root element.
func EncodeXML(h *hash.Hash) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	var err error
	if nodes := h.Nodes(); len(nodes) == 1 && nodes[0].Type() == hash.HashType {
		err = writeXMLNode(enc, nodes[0])
	} else {
		start := xml.StartElement{Name: xml.Name{Local: xmlRoot}, Attr: []xml.Attr{
			{Name: xml.Name{Local: xmlArtificial}},
			{Name: xml.Name{Local: xmlType}, Value: hash.HashType.String()},
		}}
		if err = enc.EncodeToken(start); err == nil {
			if err = writeXMLChildren(enc, h); err == nil {
				err = enc.EncodeToken(start.End())
			}
		}
	}
	if err == nil {
		err = enc.Flush()
	}
	if err != nil {
		return nil, errors.WithKind(errors.Format, err, "xml encode")
	}
	return buf.Bytes(), nil
}

func escapeKey(k string) string   { return strings.ReplaceAll(k, "/", xmlSlash) }
func unescapeKey(k string) string { return strings.ReplaceAll(k, xmlSlash, "/") }

func writeXMLChildren(enc *xml.Encoder, h *hash.Hash) error {
	for _, n := range h.Nodes() {
		if err := writeXMLNode(enc, n); err != nil {
			return err
		}
	}
	return nil
}

func writeXMLNode(enc *xml.Encoder, n *hash.Node) error {
	t := n.Type()
	start := xml.StartElement{
		Name: xml.Name{Local: escapeKey(n.Key())},
		Attr: []xml.Attr{{Name: xml.Name{Local: xmlType}, Value: t.String()}},
	}
	if s, ok := n.Value().(*hash.Schema); ok {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: xmlSchemaName}, Value: s.Name})
	}
	for k, v := range n.Attributes().All() {
		at, _ := hash.TypeOf(v)
		text, err := xmlText(at, v)
		if err != nil {
			return errors.Newf(errors.Format, "attribute %s of %s: %s", k, n.Key(), errors.Details(err))
		}
		start.Attr = append(start.Attr, xml.Attr{
			Name:  xml.Name{Local: k},
			Value: xmlPrefix + at.String() + ":" + text,
		})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	switch v := n.Value().(type) {
	case *hash.Hash:
		if err := writeXMLChildren(enc, v); err != nil {
			return err
		}
	case *hash.Schema:
		if err := writeXMLChildren(enc, v.Hash); err != nil {
			return err
		}
	case []*hash.Hash:
		for _, item := range v {
			is := xml.StartElement{Name: xml.Name{Local: xmlItem}}
			if err := enc.EncodeToken(is); err != nil {
				return err
			}
			if err := writeXMLChildren(enc, item); err != nil {
				return err
			}
			if err := enc.EncodeToken(is.End()); err != nil {
				return err
			}
		}
	default:
		text, err := xmlText(t, v)
		if err != nil {
			return errors.Newf(errors.Format, "%s: %s", n.Key(), errors.Details(err))
		}
		if text != "" {
			if err := enc.EncodeToken(xml.CharData(text)); err != nil {
				return err
			}
		}
	}
	return enc.EncodeToken(start.End())
}

func xmlText(t hash.Type, v any) (string, error) {
	switch t {
	case hash.None:
		return "", nil
	case hash.VectorChar:
		return base64.StdEncoding.EncodeToString(v.([]byte)), nil
	case hash.HashType, hash.VectorHash, hash.SchemaType:
		return "", errors.Newf(errors.Format, "%s has no text form", t)
	}
	s, err := hash.Convert(v, hash.String)
	if err != nil {
		return "", err
	}
	return s.(string), nil
}

func parseXMLText(t hash.Type, text string) (any, error) {
	switch t {
	case hash.String:
		return text, nil
	case hash.None:
		return nil, nil
	case hash.VectorChar:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	case hash.VectorString:
		if text == "" {
			return []string{}, nil
		}
		return strings.Split(text, ","), nil
	}
	return hash.Coerce(text, t)
}

// DecodeXML parses a document produced by EncodeXML.
func DecodeXML(data []byte) (*hash.Hash, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, errors.New(errors.Format, "xml: no root element")
		}
		if err != nil {
			return nil, errors.WithKind(errors.Format, err, "xml decode")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, a := range start.Attr {
			if a.Name.Local == xmlArtificial {
				h := hash.New()
				if err := readXMLChildren(d, h); err != nil {
					return nil, err
				}
				return h, nil
			}
		}
		h := hash.New()
		if err := readXMLNode(d, start, h); err != nil {
			return nil, err
		}
		return h, nil
	}
}

func readXMLChildren(d *xml.Decoder, h *hash.Hash) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return errors.WithKind(errors.Format, err, "xml decode")
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			if err := readXMLNode(d, tok, h); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func readXMLNode(d *xml.Decoder, start xml.StartElement, parent *hash.Hash) error {
	key := unescapeKey(start.Name.Local)
	t := hash.None
	typed := false
	schemaName := ""
	var attrs hash.Attributes
	for _, a := range start.Attr {
		switch a.Name.Local {
		case xmlType:
			pt, ok := hash.ParseType(a.Value)
			if !ok {
				return errors.Newf(errors.Format, "%s: unknown type %q", key, a.Value)
			}
			t, typed = pt, true
		case xmlSchemaName:
			schemaName = a.Value
		case xmlArtificial:
		default:
			v, err := parseXMLAttr(a.Value)
			if err != nil {
				return errors.Newf(errors.Format, "%s attribute %s: %s", key, a.Name.Local, errors.Details(err))
			}
			if err := attrs.Set(a.Name.Local, v); err != nil {
				return err
			}
		}
	}
	var value any
	switch {
	case t == hash.HashType:
		h := hash.New()
		if err := readXMLChildren(d, h); err != nil {
			return err
		}
		value = h
	case t == hash.SchemaType:
		h := hash.New()
		if err := readXMLChildren(d, h); err != nil {
			return err
		}
		value = &hash.Schema{Name: schemaName, Hash: h}
	case t == hash.VectorHash:
		items, err := readXMLItems(d)
		if err != nil {
			return err
		}
		value = items
	default:
		text, children, err := readXMLText(d)
		if err != nil {
			return err
		}
		if !typed {
			// Untyped elements are strings, or hashes when they nest.
			if children != nil {
				value = children
				break
			}
			value = text
			break
		}
		if value, err = parseXMLText(t, text); err != nil {
			return errors.Newf(errors.Format, "%s: %s", key, errors.Details(err))
		}
	}
	if err := parent.Set(key, value); err != nil {
		return errors.WithKind(errors.Format, err, "xml key "+key)
	}
	if attrs.Len() > 0 {
		a, _ := parent.Attributes(key)
		*a = attrs
	}
	return nil
}

func readXMLItems(d *xml.Decoder) ([]*hash.Hash, error) {
	items := []*hash.Hash{}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, errors.WithKind(errors.Format, err, "xml decode")
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			if tok.Name.Local != xmlItem {
				return nil, errors.Newf(errors.Format, "unexpected element %s in vector of hashes", tok.Name.Local)
			}
			h := hash.New()
			if err := readXMLChildren(d, h); err != nil {
				return nil, err
			}
			items = append(items, h)
		case xml.EndElement:
			return items, nil
		}
	}
}

// readXMLText collects character data up to the closing tag. Nested
// elements are decoded into a Hash, returned as the second result.
func readXMLText(d *xml.Decoder) (string, *hash.Hash, error) {
	var sb strings.Builder
	var children *hash.Hash
	for {
		tok, err := d.Token()
		if err != nil {
			return "", nil, errors.WithKind(errors.Format, err, "xml decode")
		}
		switch tok := tok.(type) {
		case xml.CharData:
			sb.Write(tok)
		case xml.StartElement:
			if children == nil {
				children = hash.New()
			}
			if err := readXMLNode(d, tok, children); err != nil {
				return "", nil, err
			}
		case xml.EndElement:
			return sb.String(), children, nil
		}
	}
}

func parseXMLAttr(raw string) (any, error) {
	if !strings.HasPrefix(raw, xmlPrefix) {
		return raw, nil
	}
	name, text, ok := strings.Cut(raw[len(xmlPrefix):], ":")
	if !ok {
		return raw, nil
	}
	t, known := hash.ParseType(name)
	if !known {
		return raw, nil
	}
	return parseXMLText(t, text)
}
