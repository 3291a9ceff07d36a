package models

// DocumentKey identifies a document for registry lookups. It replaces the
// optional name-or-path parameter pair with a tagged variant so a lookup is
// always by exactly one field.
type DocumentKey struct {
	kind  keyKind
	value string
}

type keyKind int

const (
	keyByName keyKind = iota
	keyByPath
)

// ByName keys a lookup on the document's display name.
func ByName(name string) DocumentKey {
	return DocumentKey{kind: keyByName, value: name}
}

// ByPath keys a lookup on the document's storage path.
func ByPath(path string) DocumentKey {
	return DocumentKey{kind: keyByPath, value: path}
}

// Column returns the documents column the key matches against, and the value.
func (k DocumentKey) Column() (string, string) {
	switch k.kind {
	case keyByPath:
		return "storage_path", k.value
	default:
		return "name", k.value
	}
}

func (k DocumentKey) String() string {
	col, v := k.Column()
	return col + "=" + v
}
