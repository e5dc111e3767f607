package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

type OutputKind int

const (
	OutputStringURL OutputKind = iota + 1
	OutputObjectWithURL
	OutputObjectWithHref
)

// OutputDescriptor is one generated artifact as the provider reported it.
type OutputDescriptor struct {
	Kind        OutputKind
	URL         string
	ContentType string
}

// DecodeOutputs accepts the shapes providers use for output: a single URL string, an
// object with url or href, or an array of either. Entries without a usable URL are dropped.
func DecodeOutputs(raw json.RawMessage) ([]OutputDescriptor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, ErrInvalidOutput
		}
		out := make([]OutputDescriptor, 0, len(items))
		for _, item := range items {
			d, ok, err := decodeOne(item)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, d)
			}
		}
		return out, nil
	default:
		d, ok, err := decodeOne(raw)
		if err != nil || !ok {
			return nil, err
		}
		return []OutputDescriptor{d}, nil
	}
}

func decodeOne(raw json.RawMessage) (OutputDescriptor, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return OutputDescriptor{}, false, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return OutputDescriptor{}, false, ErrInvalidOutput
		}
		s = strings.TrimSpace(s)
		return OutputDescriptor{Kind: OutputStringURL, URL: s}, isURL(s), nil
	case '{':
		var obj struct {
			URL         string `json:"url"`
			Href        string `json:"href"`
			ContentType string `json:"content_type"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return OutputDescriptor{}, false, ErrInvalidOutput
		}
		if u := strings.TrimSpace(obj.URL); isURL(u) {
			return OutputDescriptor{Kind: OutputObjectWithURL, URL: u, ContentType: obj.ContentType}, true, nil
		}
		if h := strings.TrimSpace(obj.Href); isURL(h) {
			return OutputDescriptor{Kind: OutputObjectWithHref, URL: h, ContentType: obj.ContentType}, true, nil
		}
		return OutputDescriptor{}, false, nil
	default:
		// numbers, booleans and text blobs are not artifacts
		return OutputDescriptor{}, false, nil
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// URLs returns the locations in provider order.
func URLs(outputs []OutputDescriptor) []string {
	if len(outputs) == 0 {
		return nil
	}
	out := make([]string, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, o.URL)
	}
	return out
}
