package docstore

// Document is an opaque structured payload: a nested key/value tree with
// string keys and scalar/array/object leaves. The core never inspects its
// fields; it only encodes and decodes it whole.
type Document = map[string]any
