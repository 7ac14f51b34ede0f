// Package codec turns result records into message bodies and back.
//
// A Codec publishes with one serializer and decodes any content type in its
// accept list. Three serializers are built in:
//
//	json     application/json
//	yaml     application/x-yaml
//	msgpack  application/x-msgpack
//
// Decoding never panics on malformed input; every failure is reported as a
// DECODE error from the errors package.
package codec
