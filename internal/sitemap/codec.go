package sitemap

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// ParseError reports XML that could not be decoded at all.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("sitemap: malformed XML: %v", e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

// SchemaError reports XML that decoded but is missing a mandatory
// attribute or declares a capability this codec does not recognize.
type SchemaError struct {
	Msg string
}

func (e *SchemaError) Error() string { return "sitemap: " + e.Msg }

// rawLink mirrors <rs:ln rel="..." href="..." .../>.
type rawLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// rawMD mirrors <rs:md .../>.
type rawMD struct {
	Capability string `xml:"capability,attr"`
	At         string `xml:"at,attr"`
	Completed  string `xml:"completed,attr"`
	Change     string `xml:"change,attr"`
	Length     string `xml:"length,attr"`
	Hash       string `xml:"hash,attr"`
	Type       string `xml:"type,attr"`
}

type rawURL struct {
	Loc     string    `xml:"loc"`
	Lastmod string    `xml:"lastmod"`
	MD      rawMD     `xml:"md"`
	Links   []rawLink `xml:"ln"`
}

type rawURLSet struct {
	XMLName xml.Name  `xml:"urlset"`
	MD      rawMD     `xml:"md"`
	Links   []rawLink `xml:"ln"`
	URLs    []rawURL  `xml:"url"`
}

type rawSitemapIndex struct {
	XMLName  xml.Name  `xml:"sitemapindex"`
	MD       rawMD     `xml:"md"`
	Links    []rawLink `xml:"ln"`
	Sitemaps []rawURL  `xml:"sitemap"`
}

// Parse decodes body as a ResourceSync sitemap and verifies that its
// declared capability matches expected. Passing an empty expected skips the
// capability check.
func Parse(body []byte, expected Capability) (*Document, error) {
	root, err := rootName(body)
	if err != nil {
		return nil, &ParseError{Cause: err}
	}

	switch root {
	case "urlset":
		return parseURLSet(body, expected)
	case "sitemapindex":
		return parseSitemapIndex(body, expected)
	default:
		return nil, &SchemaError{Msg: fmt.Sprintf("unexpected root element %q", root)}
	}
}

func newDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	return dec
}

// rootName sniffs the first element name without validating the rest of
// the document, so Parse can dispatch on it before doing a full decode.
func rootName(body []byte) (string, error) {
	dec := newDecoder(body)
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func parseURLSet(body []byte, expected Capability) (*Document, error) {
	var raw rawURLSet
	if err := newDecoder(body).Decode(&raw); err != nil {
		return nil, &ParseError{Cause: err}
	}

	capability := Capability(raw.MD.Capability)
	if capability == "" {
		return nil, &SchemaError{Msg: "missing rs:md capability attribute"}
	}
	if expected != "" && capability != expected {
		return nil, &SchemaError{Msg: fmt.Sprintf("capability is not %q but %q", expected, capability)}
	}

	doc := &Document{
		IsIndex:    false,
		Capability: capability,
	}
	if err := applyLinks(doc, raw.Links); err != nil {
		return nil, err
	}
	if err := applyDocMD(doc, raw.MD); err != nil {
		return nil, err
	}

	for _, u := range raw.URLs {
		// Entries default to the document's capability unless they declare
		// their own (a capability list names a different one per entry).
		entryCapability := capability
		if u.MD.Capability != "" {
			entryCapability = Capability(u.MD.Capability)
		}
		res, err := toResource(u, entryCapability)
		if err != nil {
			return nil, err
		}
		doc.Resources = append(doc.Resources, res)
	}

	return doc, nil
}

func parseSitemapIndex(body []byte, expected Capability) (*Document, error) {
	var raw rawSitemapIndex
	if err := newDecoder(body).Decode(&raw); err != nil {
		return nil, &ParseError{Cause: err}
	}

	capability := Capability(raw.MD.Capability)
	if capability == "" {
		return nil, &SchemaError{Msg: "missing rs:md capability attribute"}
	}
	if expected != "" && capability != expected {
		return nil, &SchemaError{Msg: fmt.Sprintf("capability is not %q but %q", expected, capability)}
	}

	doc := &Document{
		IsIndex:    true,
		Capability: capability,
	}
	if err := applyLinks(doc, raw.Links); err != nil {
		return nil, err
	}
	if err := applyDocMD(doc, raw.MD); err != nil {
		return nil, err
	}

	for _, s := range raw.Sitemaps {
		// Index entries default to the parent's capability unless they
		// declare their own (a capability index may mix levels).
		childCapability := capability
		if s.MD.Capability != "" {
			childCapability = Capability(s.MD.Capability)
		}
		res, err := toResource(s, childCapability)
		if err != nil {
			return nil, err
		}
		doc.Resources = append(doc.Resources, res)
	}

	return doc, nil
}

func applyLinks(doc *Document, links []rawLink) error {
	for _, l := range links {
		switch l.Rel {
		case "describedby":
			doc.DescribedBy = l.Href
		case "up":
			doc.Up = l.Href
		case "index":
			doc.Index = l.Href
		}
	}
	return nil
}

func applyDocMD(doc *Document, md rawMD) error {
	if md.At != "" {
		t, err := parseTime(md.At)
		if err != nil {
			return &SchemaError{Msg: fmt.Sprintf("invalid rs:md at=%q: %v", md.At, err)}
		}
		doc.MDAt = t
		doc.HasMDAt = true
	}
	if md.Completed != "" {
		t, err := parseTime(md.Completed)
		if err != nil {
			return &SchemaError{Msg: fmt.Sprintf("invalid rs:md completed=%q: %v", md.Completed, err)}
		}
		doc.MDCompleted = t
		doc.HasCompleted = true
	}
	return nil
}

func toResource(u rawURL, capability Capability) (Resource, error) {
	if u.Loc == "" {
		return Resource{}, &SchemaError{Msg: "url/sitemap entry missing loc"}
	}

	res := Resource{
		URI:        strings.TrimSpace(u.Loc),
		Capability: capability,
	}

	if u.Lastmod != "" {
		t, err := parseTime(u.Lastmod)
		if err != nil {
			return Resource{}, &SchemaError{Msg: fmt.Sprintf("invalid lastmod %q on %q: %v", u.Lastmod, u.Loc, err)}
		}
		res.Lastmod = t
		res.HasLastmod = true
	}

	if u.MD.Change != "" {
		res.Change = Change(u.MD.Change)
	}
	res.MimeType = u.MD.Type
	if u.MD.At != "" {
		t, err := parseTime(u.MD.At)
		if err != nil {
			return Resource{}, &SchemaError{Msg: fmt.Sprintf("invalid rs:md at %q on %q: %v", u.MD.At, u.Loc, err)}
		}
		res.MDAt = t
		res.HasMDAt = true
	}
	if u.MD.Length != "" {
		n, err := strconv.ParseInt(u.MD.Length, 10, 64)
		if err != nil {
			return Resource{}, &SchemaError{Msg: fmt.Sprintf("invalid rs:md length %q on %q: %v", u.MD.Length, u.Loc, err)}
		}
		res.Length = n
		res.HasLength = true
	}
	if u.MD.Hash != "" {
		h, err := parseHash(u.MD.Hash)
		if err != nil {
			return Resource{}, &SchemaError{Msg: fmt.Sprintf("invalid rs:md hash %q on %q: %v", u.MD.Hash, u.Loc, err)}
		}
		res.Hash = h
	}

	for _, l := range u.Links {
		switch l.Rel {
		case "contents":
			if res.LinkSet == nil {
				res.LinkSet = &LinkSet{}
			}
			res.LinkSet.Contents = l.Href
		case "manifest":
			if res.LinkSet == nil {
				res.LinkSet = &LinkSet{}
			}
			res.LinkSet.Manifest = l.Href
		}
	}

	return res, nil
}

// parseHash parses an "algorithm:digest" value, e.g. "md5:1584abdf...".
func parseHash(s string) (*Hash, error) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return nil, fmt.Errorf("missing ':' separator")
	}
	return &Hash{Algorithm: strings.ToLower(s[:idx]), Digest: s[idx+1:]}, nil
}

var timeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
