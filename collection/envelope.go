package collection

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
	"github.com/yim-lee/swift-package-manager-sub001/signature"
)

// Envelope is the result of splitting a collection document into its
// payload bytes and, if present, its signature.
type Envelope struct {
	Payload   []byte
	Signature []byte
	Format    signature.Format
	HasSig    bool
}

var manifestMarker = []byte("// signature: ")

// jsonSignature is the value of the top-level "signature" key in a
// signed collection document. It also carries a claimed certificate
// projection, which this package never trusts: the authoritative
// subject/issuer come from the certificate actually embedded in and
// verified from env.Signature, not from this unverified field.
type jsonSignature struct {
	Signature string `json:"signature"`
}

// Split extracts the payload and, when present, the signature from a
// collection document. Two container forms are recognized: a JSON
// object carrying the collection's own top-level fields plus a
// sibling "signature" field, split by removing that key by name; and
// a manifest-style document ending in a trailing comment line
// "// signature: <format>;<base64>". The returned payload bytes are
// always exactly the pre-signature bytes of data, never re-encoded.
func Split(data []byte) (Envelope, error) {
	if env, ok, err := splitJSON(data); ok || err != nil {
		return env, err
	}
	return splitManifest(data)
}

func splitJSON(data []byte) (Envelope, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, false, nil
	}

	payload, sigValue, found, err := excludeTopLevelKey(trimmed, "signature")
	if err != nil {
		return Envelope{}, false, err
	}
	if !found {
		return Envelope{Payload: trimmed}, true, nil
	}

	var wrapper jsonSignature
	if err := json.Unmarshal(sigValue, &wrapper); err != nil {
		return Envelope{}, false, platformerrors.Wrap(err, platformerrors.CodeDecodeInitializationFailed, "failed to decode signature field")
	}
	sig, err := base64.StdEncoding.DecodeString(wrapper.Signature)
	if err != nil {
		return Envelope{}, false, platformerrors.Wrap(err, platformerrors.CodeDecodeInitializationFailed, "failed to decode base64 signature")
	}

	return Envelope{Payload: payload, Signature: sig, Format: signature.FormatCMS1_0_0, HasSig: true}, true, nil
}

func splitManifest(data []byte) (Envelope, error) {
	trimmed := data
	if bytes.HasSuffix(trimmed, []byte("\n")) {
		trimmed = trimmed[:len(trimmed)-1]
	}

	lineStart := -1
	if bytes.HasPrefix(trimmed, manifestMarker) {
		lineStart = 0
	} else if idx := bytes.LastIndex(trimmed, append([]byte("\n"), manifestMarker...)); idx >= 0 {
		lineStart = idx + 1
	}

	if lineStart == -1 {
		return Envelope{Payload: data}, nil
	}

	commentLine := trimmed[lineStart:]
	payload := trimmed[:lineStart]
	if lineStart > 0 {
		payload = trimmed[:lineStart-1]
	}

	rest := strings.TrimPrefix(string(commentLine), string(manifestMarker))
	parts := strings.SplitN(rest, ";", 2)
	if len(parts) != 2 {
		return Envelope{}, platformerrors.Newf(platformerrors.CodeDecodeInitializationFailed, "malformed signature comment %q", commentLine)
	}

	format, err := signature.ParseFormat(parts[0])
	if err != nil {
		return Envelope{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return Envelope{}, platformerrors.Wrap(err, platformerrors.CodeDecodeInitializationFailed, "failed to decode base64 signature")
	}

	return Envelope{Payload: payload, Signature: sig, Format: format, HasSig: true}, nil
}

// jsonMember records the byte span of one member of a top-level JSON
// object as found in the original document: keyStart through valueEnd
// covers "key":value verbatim, valueStart through valueEnd covers just
// the value.
type jsonMember struct {
	key                            string
	keyStart, valueStart, valueEnd int
}

// excludeTopLevelKey removes the named key (and its value) from the
// top-level JSON object in data, returning the spliced object and the
// raw bytes of the removed value. Only the removed member and one
// adjacent comma (with the whitespace around it) are cut out; every
// other byte of data, including braces, separators and whitespace, is
// kept verbatim, exactly as a cryptographic signature over them
// requires. found is false, with payload and value both nil, when key
// is not present.
func excludeTopLevelKey(data []byte, key string) (payload []byte, value []byte, found bool, err error) {
	members, err := scanTopLevelObject(data)
	if err != nil {
		return nil, nil, false, err
	}

	idx := -1
	for i, m := range members {
		if m.key == key {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, nil, false, nil
	}

	removed := members[idx]
	var cutStart, cutEnd int
	switch {
	case idx > 0:
		// Cut from the end of the previous member, taking the separating comma.
		cutStart, cutEnd = members[idx-1].valueEnd, removed.valueEnd
	case len(members) > 1:
		// First member: cut up to the start of the next member's key.
		cutStart, cutEnd = removed.keyStart, members[1].keyStart
	default:
		cutStart, cutEnd = removed.keyStart, removed.valueEnd
	}

	out := make([]byte, 0, len(data)-(cutEnd-cutStart))
	out = append(out, data[:cutStart]...)
	out = append(out, data[cutEnd:]...)
	return out, data[removed.valueStart:removed.valueEnd], true, nil
}

// scanTopLevelObject walks the members of the JSON object in data
// without invoking encoding/json, so that every surviving member's
// bytes can later be copied out verbatim rather than re-serialized.
func scanTopLevelObject(data []byte) ([]jsonMember, error) {
	i, n := skipJSONSpace(data, 0), len(data)
	if i >= n || data[i] != '{' {
		return nil, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "expected a JSON object")
	}
	i = skipJSONSpace(data, i+1)

	var members []jsonMember
	for i < n && data[i] != '}' {
		keyStart := i
		k, ni, err := scanJSONString(data, i)
		if err != nil {
			return nil, err
		}
		i = skipJSONSpace(data, ni)
		if i >= n || data[i] != ':' {
			return nil, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "malformed JSON object: expected ':'")
		}
		i = skipJSONSpace(data, i+1)
		valueStart := i
		ni, err = skipJSONValue(data, i)
		if err != nil {
			return nil, err
		}
		members = append(members, jsonMember{key: k, keyStart: keyStart, valueStart: valueStart, valueEnd: ni})

		i = skipJSONSpace(data, ni)
		if i < n && data[i] == ',' {
			i = skipJSONSpace(data, i+1)
			continue
		}
		break
	}
	if i >= n || data[i] != '}' {
		return nil, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "malformed JSON object: expected '}'")
	}
	return members, nil
}

func skipJSONSpace(data []byte, i int) int {
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// scanJSONString reads the JSON string literal starting at data[i]
// ('"') and returns its decoded value along with the index just past
// the closing quote.
func scanJSONString(data []byte, i int) (string, int, error) {
	if i >= len(data) || data[i] != '"' {
		return "", i, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "expected a JSON string")
	}
	start := i
	i++
	for i < len(data) {
		switch data[i] {
		case '\\':
			i += 2
		case '"':
			var s string
			if err := json.Unmarshal(data[start:i+1], &s); err != nil {
				return "", i, platformerrors.Wrap(err, platformerrors.CodeDecodeInitializationFailed, "malformed JSON string")
			}
			return s, i + 1, nil
		default:
			i++
		}
	}
	return "", i, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "unterminated JSON string")
}

// skipJSONValue advances past one complete JSON value (string, number,
// literal, object, or array) starting at data[i], returning the index
// just past it.
func skipJSONValue(data []byte, i int) (int, error) {
	i = skipJSONSpace(data, i)
	n := len(data)
	if i >= n {
		return i, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "unexpected end of JSON value")
	}

	switch data[i] {
	case '"':
		_, ni, err := scanJSONString(data, i)
		return ni, err
	case '{', '[':
		depth := 1
		i++
		for i < n && depth > 0 {
			switch data[i] {
			case '"':
				_, ni, err := scanJSONString(data, i)
				if err != nil {
					return i, err
				}
				i = ni
				continue
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
			i++
		}
		if depth != 0 {
			return i, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "unterminated JSON object or array")
		}
		return i, nil
	default:
		start := i
		for i < n {
			switch data[i] {
			case ',', '}', ']', ' ', '\t', '\n', '\r':
				return i, nil
			default:
				i++
			}
		}
		if i == start {
			return i, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "empty JSON value")
		}
		return i, nil
	}
}
