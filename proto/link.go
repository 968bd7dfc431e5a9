package proto

import (
	"bufio"
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ED2KLink is the shareable identifier:
// ed2k://|file|<name>|<size>|<hex md4>|/ with an optional |h=<AICH>|
// before the trailing slash.
type ED2KLink struct {
	Name string
	Size uint64
	Hash ED2KHash
	AICH string
}

func (l ED2KLink) String() string {
	res := fmt.Sprintf("ed2k://|file|%s|%d|%s|", url.PathEscape(l.Name), l.Size, l.Hash.ToString())
	if l.AICH != "" {
		res += "h=" + l.AICH + "|"
	}

	return res + "/"
}

func ParseED2KLink(s string) (ED2KLink, error) {
	res := ED2KLink{}
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, "ed2k://|file|") || !strings.HasSuffix(s, "|/") {
		return res, fmt.Errorf("not an ed2k file link: %q", s)
	}

	parts := strings.Split(s[len("ed2k://|file|"):len(s)-len("|/")], "|")
	if len(parts) < 3 {
		return res, fmt.Errorf("ed2k link too short: %q", s)
	}

	name, err := url.PathUnescape(parts[0])
	if err != nil {
		return res, err
	}

	res.Name = name
	res.Size, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return res, err
	}

	raw, err := hex.DecodeString(parts[2])
	if err != nil || len(raw) != HASH_SIZE {
		return res, fmt.Errorf("bad hash in ed2k link: %q", parts[2])
	}

	copy(res.Hash[:], raw)

	for _, extra := range parts[3:] {
		if strings.HasPrefix(extra, "h=") {
			aich := extra[2:]
			if _, err := base32.StdEncoding.DecodeString(aich); err != nil {
				return res, fmt.Errorf("bad AICH root in ed2k link: %q", aich)
			}
			res.AICH = aich
		}
	}

	return res, nil
}

// ED2KCollection is a list of links. The binary form is a uint16
// count of per-entry tag lists; the text form is one ed2k link per
// line. The decoder tries binary first and falls back to lines.
type ED2KCollection struct {
	Files []ED2KLink
}

func (c ED2KCollection) PutBinary() ([]byte, error) {
	entries := make([]TagCollection, 0, len(c.Files))
	sz := DataSize(uint16(0))
	for _, f := range c.Files {
		name, err := CreateTag(f.Name, FT_FILENAME, "")
		if err != nil {
			return nil, err
		}

		tags := TagCollection{name,
			MustTag(f.Size, FT_FILESIZE, ""),
			MustTag(f.Hash, FT_FILEHASH, "")}
		entries = append(entries, tags)
		sz += tags.Size()
	}

	buf := make([]byte, sz)
	sb := StateBuffer{Data: buf}
	sb.Write(uint16(len(entries)))
	for _, tags := range entries {
		tags.Put(&sb)
	}

	if sb.Error() != nil {
		return nil, sb.Error()
	}

	return buf[:sb.Offset()], nil
}

func getBinaryCollection(b []byte) (ED2KCollection, error) {
	res := ED2KCollection{}
	sb := StateBuffer{Data: b}
	sz := sb.ReadUint16()
	if sb.Error() != nil {
		return res, sb.Error()
	}

	if uint32(sz) > MAX_ELEMS {
		return res, ErrContainerTooLong
	}

	for i := 0; i < int(sz); i++ {
		tags := TagCollection{}
		tags.Get(&sb)
		if sb.Error() != nil {
			return res, sb.Error()
		}

		link := ED2KLink{}
		if t := tags.FindById(FT_FILENAME); t != nil && t.IsString() {
			link.Name = t.AsString()
		}

		if t := tags.FindById(FT_FILESIZE); t != nil {
			link.Size = t.AsInt()
		}

		if t := tags.FindById(FT_FILEHASH); t != nil && t.IsHash() {
			link.Hash = t.AsHash()
		}

		if link.Name == "" || link.Hash.IsEmpty() {
			return res, ErrDecodePacket
		}

		res.Files = append(res.Files, link)
	}

	if sb.Remain() != 0 {
		return res, ErrDecodePacket
	}

	return res, nil
}

func ParseCollection(b []byte) (ED2KCollection, error) {
	if res, err := getBinaryCollection(b); err == nil {
		return res, nil
	}

	res := ED2KCollection{}
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		link, err := ParseED2KLink(line)
		if err != nil {
			return ED2KCollection{}, err
		}

		res.Files = append(res.Files, link)
	}

	if err := scanner.Err(); err != nil {
		return ED2KCollection{}, err
	}

	return res, nil
}
