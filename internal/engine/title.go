package engine

import "strings"

// EncodeTitle composes the remote list-item title from a CRM task title
// and the linked person's name: "{title} [{person}]". Tasks without a
// person keep the bare title.
func EncodeTitle(title, personName string) string {
	if personName == "" {
		return title
	}
	return title + " [" + personName + "]"
}

// DecodeTitle recovers the bare task name from an encoded list-item
// title. It splits on the last occurrence of " [" and discards the
// trailing "]". This is the exact inverse of EncodeTitle for titles
// that do not themselves contain " [".
func DecodeTitle(content string) string {
	idx := strings.LastIndex(content, " [")
	if idx < 0 {
		return content
	}
	if !strings.HasSuffix(content, "]") {
		return content
	}
	return content[:idx]
}
