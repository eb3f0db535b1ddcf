package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dunglas/httpsfv"
)

// OriginHeader names the widget instance (and optionally the page script)
// behind a cart notification, as an RFC 8941 dictionary:
//
//	Gift-Origin: instance="4b1c…", source="product-form"
const OriginHeader = "Gift-Origin"

// Origin identifies who caused a cart notification.
type Origin struct {
	Instance string
	Source   string
}

// ParseOriginHeader parses a Gift-Origin header. An empty header is an
// external notification and yields the zero Origin.
//
// Examples:
//   - instance="abc"                     → {abc, ""}
//   - instance="abc";v=1, source="cart"  → {abc, cart} (params ignored)
//   - source=drawer                      → {"", drawer} (tokens accepted)
func ParseOriginHeader(header string) (Origin, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Origin{}, nil
	}

	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return Origin{}, fmt.Errorf("invalid %s header: %w", OriginHeader, err)
	}

	var o Origin
	if o.Instance, err = dictString(dict, "instance"); err != nil {
		return Origin{}, err
	}
	if o.Source, err = dictString(dict, "source"); err != nil {
		return Origin{}, err
	}
	return o, nil
}

// dictString returns a string or token member, "" when absent.
func dictString(dict *httpsfv.Dictionary, key string) (string, error) {
	member, ok := dict.Get(key)
	if !ok {
		return "", nil
	}
	item, ok := member.(httpsfv.Item)
	if !ok {
		return "", errors.New(key + " value must be an item")
	}
	switch v := item.Value.(type) {
	case string:
		return v, nil
	case httpsfv.Token:
		return string(v), nil
	default:
		return "", errors.New(key + " value must be a string")
	}
}
