package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/results"
)

// Content types of the built-in serializers.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeYAML    = "application/x-yaml"
	ContentTypeMsgpack = "application/x-msgpack"
)

// Content encodings reported alongside message bodies.
const (
	EncodingUTF8   = "utf-8"
	EncodingBinary = "binary"
)

// Serializer encodes and decodes records in one wire format.
type Serializer interface {
	// Name is the identifier used in configuration ("json", "yaml", ...).
	Name() string

	// ContentType is the MIME type stamped on published messages.
	ContentType() string

	// ContentEncoding is "utf-8" for text formats and "binary" otherwise.
	ContentEncoding() string

	Marshal(rec *results.Record) ([]byte, error)
	Unmarshal(data []byte, rec *results.Record) error
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string            { return "json" }
func (jsonSerializer) ContentType() string     { return ContentTypeJSON }
func (jsonSerializer) ContentEncoding() string { return EncodingUTF8 }

func (jsonSerializer) Marshal(rec *results.Record) ([]byte, error) {
	return json.Marshal(rec)
}

func (jsonSerializer) Unmarshal(data []byte, rec *results.Record) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	// Keep integers beyond 2^53 exact.
	dec.UseNumber()
	return dec.Decode(rec)
}

type yamlSerializer struct{}

func (yamlSerializer) Name() string            { return "yaml" }
func (yamlSerializer) ContentType() string     { return ContentTypeYAML }
func (yamlSerializer) ContentEncoding() string { return EncodingUTF8 }

func (yamlSerializer) Marshal(rec *results.Record) ([]byte, error) {
	return yaml.Marshal(rec)
}

func (yamlSerializer) Unmarshal(data []byte, rec *results.Record) error {
	return yaml.Unmarshal(data, rec)
}

type msgpackSerializer struct{}

func (msgpackSerializer) Name() string            { return "msgpack" }
func (msgpackSerializer) ContentType() string     { return ContentTypeMsgpack }
func (msgpackSerializer) ContentEncoding() string { return EncodingBinary }

func (msgpackSerializer) Marshal(rec *results.Record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func (msgpackSerializer) Unmarshal(data []byte, rec *results.Record) error {
	return msgpack.Unmarshal(data, rec)
}

var serializers = map[string]Serializer{
	"json":    jsonSerializer{},
	"yaml":    yamlSerializer{},
	"msgpack": msgpackSerializer{},
}

var byContentType = map[string]Serializer{
	ContentTypeJSON:    jsonSerializer{},
	ContentTypeYAML:    yamlSerializer{},
	ContentTypeMsgpack: msgpackSerializer{},
	// Aliases seen on the wire.
	"application/yaml":    yamlSerializer{},
	"text/yaml":           yamlSerializer{},
	"application/msgpack": msgpackSerializer{},
}

// Lookup returns the serializer registered under name.
func Lookup(name string) (Serializer, error) {
	s, ok := serializers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown serializer %q (available: %s)",
			name, strings.Join(Names(), ", ")))
	}
	return s, nil
}

// Names returns the registered serializer names, sorted.
func Names() []string {
	names := make([]string, 0, len(serializers))
	for name := range serializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForContentType returns the serializer for a MIME type, ignoring parameters
// such as charset.
func ForContentType(contentType string) (Serializer, bool) {
	ct := normalizeContentType(contentType)
	s, ok := byContentType[ct]
	return s, ok
}

func normalizeContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// Codec encodes with one serializer and decodes the accepted content types.
type Codec struct {
	serializer Serializer
	accept     map[string]struct{}
}

// New creates a codec publishing with the named serializer. Accept entries
// may be content types or serializer names; an empty list accepts only the
// publishing serializer's content type.
func New(serializer string, accept []string) (*Codec, error) {
	s, err := Lookup(serializer)
	if err != nil {
		return nil, err
	}

	c := &Codec{
		serializer: s,
		accept:     make(map[string]struct{}),
	}
	if len(accept) == 0 {
		c.accept[s.ContentType()] = struct{}{}
		return c, nil
	}
	for _, a := range accept {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if named, ok := serializers[strings.ToLower(a)]; ok {
			c.accept[named.ContentType()] = struct{}{}
			continue
		}
		if _, ok := ForContentType(a); !ok {
			return nil, errors.InvalidInput(fmt.Sprintf("cannot accept unknown content type %q", a))
		}
		c.accept[normalizeContentType(a)] = struct{}{}
	}
	return c, nil
}

// Serializer returns the publishing serializer.
func (c *Codec) Serializer() Serializer {
	return c.serializer
}

// Accepts reports whether messages of contentType may be decoded.
func (c *Codec) Accepts(contentType string) bool {
	ct := normalizeContentType(contentType)
	if ct == "" {
		return true
	}
	if _, ok := c.accept[ct]; ok {
		return true
	}
	// An alias is accepted when its canonical type is.
	if s, ok := byContentType[ct]; ok {
		_, ok = c.accept[s.ContentType()]
		return ok
	}
	return false
}

// Accept returns the accepted content types, sorted.
func (c *Codec) Accept() []string {
	out := make([]string, 0, len(c.accept))
	for ct := range c.accept {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// Encode serializes a record with the publishing serializer.
func (c *Codec) Encode(rec *results.Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.InvalidInput("cannot encode nil record")
	}
	data, err := c.serializer.Marshal(rec)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput,
			fmt.Sprintf("encode %s record", c.serializer.Name()), errors.WithTaskID(rec.TaskID))
	}
	return data, nil
}

// Decode parses a message body. An empty content type means the publishing
// serializer's format. The decoded record must name a task and a known state.
func (c *Codec) Decode(body []byte, contentType string) (*results.Record, error) {
	s := c.serializer
	if ct := normalizeContentType(contentType); ct != "" {
		if !c.Accepts(ct) {
			return nil, errors.Decode(fmt.Errorf("content type %q not accepted (accept: %s)",
				ct, strings.Join(c.Accept(), ", ")))
		}
		found, ok := ForContentType(ct)
		if !ok {
			return nil, errors.Decode(fmt.Errorf("no serializer for content type %q", ct))
		}
		s = found
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.Decode(fmt.Errorf("empty %s body", s.Name()))
	}

	var rec results.Record
	if err := s.Unmarshal(body, &rec); err != nil {
		return nil, errors.Decode(fmt.Errorf("%s: %w", s.Name(), err))
	}
	if err := rec.Validate(); err != nil {
		return nil, errors.Decode(err, errors.WithTaskID(rec.TaskID))
	}
	if rec.Children == nil {
		rec.Children = []string{}
	}
	return &rec, nil
}
