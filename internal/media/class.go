// Package media recovers plaintext attachments from the WhatsApp media
// encryption envelope.
//
// Every attachment carries a 32-byte media key. The key is expanded with
// HKDF-SHA256 using a per-class info string into an IV, an AES-256-CBC key
// and an HMAC-SHA256 key. The last 10 bytes of the encrypted blob are a
// truncated MAC over IV||ciphertext.
package media

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the declared kind of an attachment. It selects the HKDF info string,
// so passing the wrong class produces a MAC failure rather than plaintext.
type Class string

const (
	ClassImage    Class = "image"
	ClassVideo    Class = "video"
	ClassAudio    Class = "audio"
	ClassDocument Class = "document"
	ClassSticker  Class = "sticker"

	// ClassUnknown labels attachments whose type could not be recognised.
	// It has no keys, so such media is always unavailable.
	ClassUnknown Class = "unknown"
)

// ErrUnknownClass is returned by ParseClass for tags it does not recognise.
var ErrUnknownClass = errors.New("media: unknown media class")

// hkdfInfo maps each class to its key-derivation info string.
// Stickers are encrypted with the image keys.
var hkdfInfo = map[Class][]byte{
	ClassImage:    []byte("WhatsApp Image Keys"),
	ClassVideo:    []byte("WhatsApp Video Keys"),
	ClassAudio:    []byte("WhatsApp Audio Keys"),
	ClassDocument: []byte("WhatsApp Document Keys"),
	ClassSticker:  []byte("WhatsApp Image Keys"),
}

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	_, ok := hkdfInfo[c]
	return ok
}

func (c Class) String() string { return string(c) }

// ParseClass normalises the media tags used by WhatsApp bridges and webhooks.
// Accepts plain class names as well as message type names such as
// "imageMessage", "ptt" or "gif".
func ParseClass(tag string) (Class, error) {
	t := strings.ToLower(strings.TrimSpace(tag))
	t = strings.TrimSuffix(t, "message")

	switch t {
	case "image", "photo":
		return ClassImage, nil
	case "video", "gif", "ptv":
		return ClassVideo, nil
	case "audio", "ptt", "voice":
		return ClassAudio, nil
	case "document", "file":
		return ClassDocument, nil
	case "sticker":
		return ClassSticker, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClass, tag)
}
