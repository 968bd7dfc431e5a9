package proto

import (
	"errors"
	"fmt"
)

const SEARCH_TYPE_BOOL byte = 0x00
const SEARCH_TYPE_STR byte = 0x01
const SEARCH_TYPE_STR_TAG byte = 0x02
const SEARCH_TYPE_UINT32 byte = 0x03
const SEARCH_TYPE_UINT64 byte = 0x08

const SEARCH_REQ_ELEM_LENGTH int = 20
const SEARCH_REQ_QUERY_LENGTH int = 450
const SEARCH_REQ_ELEM_COUNT int = 30

// Media values for FT_FILETYPE
const ED2KFTSTR_AUDIO string = "Audio"
const ED2KFTSTR_VIDEO string = "Video"
const ED2KFTSTR_IMAGE string = "Image"
const ED2KFTSTR_DOCUMENT string = "Doc"
const ED2KFTSTR_PROGRAM string = "Pro"
const ED2KFTSTR_ARCHIVE string = "Arc" // *Mule internal use only
const ED2KFTSTR_CDIMAGE string = "Iso" // *Mule internal use only
const ED2KFTSTR_EMULECOLLECTION string = "EmuleCollection"
const ED2KFTSTR_FOLDER string = "Folder"
const ED2KFTSTR_USER string = "User"

const ED2KFT_ANY byte = 0
const ED2KFT_AUDIO byte = 1
const ED2KFT_VIDEO byte = 2
const ED2KFT_IMAGE byte = 3
const ED2KFT_PROGRAM byte = 4
const ED2KFT_DOCUMENT byte = 5
const ED2KFT_ARCHIVE byte = 6
const ED2KFT_CDIMAGE byte = 7
const ED2KFT_EMULECOLLECTION byte = 8

const ED2K_SEARCH_OP_EQUAL byte = 0
const ED2K_SEARCH_OP_GREATER byte = 1
const ED2K_SEARCH_OP_LESS byte = 2
const ED2K_SEARCH_OP_GREATER_EQUAL byte = 3
const ED2K_SEARCH_OP_LESS_EQUAL byte = 4
const ED2K_SEARCH_OP_NOTEQUAL byte = 5

const OPER_AND byte = 0x00
const OPER_OR byte = 0x01
const OPER_NOT byte = 0x02

var ErrUnclosedQuotation = errors.New("unclosed quotation mark")
var ErrIncorrectBrackets = errors.New("incorrect brackets count")
var ErrOperatorPlacement = errors.New("operator incorrect place")

// search tree leaves and operators; the request serializes the tree in
// prefix order

type NumericEntry struct {
	value    uint64
	operator byte
	tag      ByteContainer
}

type StringEntry struct {
	value ByteContainer
	tag   ByteContainer
}

type OperatorEntry byte
type ParenEntry byte

func CreateNumericEntry(val uint64, id byte, op byte) *NumericEntry {
	return &NumericEntry{value: val, operator: op, tag: ByteContainer([]byte{id})}
}

func CreateStringEntry(val string, id byte) *StringEntry {
	return &StringEntry{value: ByteContainer([]byte(val)), tag: ByteContainer([]byte{id})}
}

func CreateStringEntryNoTag(val string) *StringEntry {
	return &StringEntry{value: ByteContainer([]byte(val)), tag: nil}
}

func CreateAnd() *OperatorEntry {
	x := OperatorEntry(OPER_AND)
	return &x
}

func CreateOr() *OperatorEntry {
	x := OperatorEntry(OPER_OR)
	return &x
}

func CreateNot() *OperatorEntry {
	x := OperatorEntry(OPER_NOT)
	return &x
}

func CreateCloseParen() *ParenEntry {
	x := ParenEntry(')')
	return &x
}

func CreateOpenParen() *ParenEntry {
	x := ParenEntry('(')
	return &x
}

func (entry NumericEntry) Put(sb *StateBuffer) *StateBuffer {
	if entry.value <= 0xFFFFFFFF {
		sb.Write(SEARCH_TYPE_UINT32).Write(uint32(entry.value))
	} else {
		sb.Write(SEARCH_TYPE_UINT64).Write(entry.value)
	}
	return sb.Write(entry.operator).Write(entry.tag)
}

func (entry *NumericEntry) Get(sb *StateBuffer) *StateBuffer {
	return sb
}

func (entry NumericEntry) Size() int {
	res := DataSize(byte(0))
	if entry.value <= 0xFFFFFFFF {
		res += DataSize(uint32(0))
	} else {
		res += DataSize(uint64(0))
	}

	return res + DataSize(entry.operator) + DataSize(entry.tag)
}

func (entry NumericEntry) Value() uint64 {
	return entry.value
}

func (entry StringEntry) Put(sb *StateBuffer) *StateBuffer {
	if entry.tag != nil {
		sb.Write(SEARCH_TYPE_STR_TAG)
	} else {
		sb.Write(SEARCH_TYPE_STR)
	}

	sb.Write(entry.value)
	if entry.tag != nil {
		sb.Write(entry.tag)
	}

	return sb
}

func (entry *StringEntry) Get(sb *StateBuffer) *StateBuffer {
	return sb
}

func (entry StringEntry) Size() int {
	if entry.tag != nil {
		return DataSize(SEARCH_TYPE_STR_TAG) + DataSize(entry.value) + DataSize(entry.tag)
	}
	return DataSize(SEARCH_TYPE_STR) + DataSize(entry.value)
}

func (entry StringEntry) Value() string {
	return string(entry.value)
}

func (entry OperatorEntry) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(SEARCH_TYPE_BOOL).Write(byte(entry))
}

func (entry *OperatorEntry) Get(sb *StateBuffer) *StateBuffer {
	return sb
}

func (entry OperatorEntry) Size() int {
	return DataSize(SEARCH_TYPE_BOOL) + DataSize(byte(entry))
}

func (entry ParenEntry) Put(*StateBuffer) *StateBuffer {
	panic("requested put for paren entry")
}

func (entry *ParenEntry) Get(*StateBuffer) *StateBuffer {
	panic("requested get for paren entry")
}

func (entry ParenEntry) Size() int {
	panic("requested size for paren entry")
}

func (o OperatorEntry) IsBoolean() bool {
	return byte(o) == OPER_AND || byte(o) == OPER_OR || byte(o) == OPER_NOT
}

// addOperand appends op, inserting the implicit AND between two
// adjacent operands or bracket groups.
func addOperand(dst []Serializable, op Serializable) []Serializable {
	_, isOperator := op.(*OperatorEntry)
	srcP, isParen := op.(*ParenEntry)
	isOpenParen := isParen && *srcP == '('

	if !isOperator && len(dst) > 0 {
		_, hasOperator := dst[len(dst)-1].(*OperatorEntry)
		dstP, hasParen := dst[len(dst)-1].(*ParenEntry)
		hasCloseParen := hasParen && *dstP == ')'

		if (!hasParen && !hasOperator && !isParen) || // xxx xxx
			(!hasParen && !hasOperator && isOpenParen) || // xxx (
			(hasCloseParen && !isParen) || // ) xxx
			(hasCloseParen && isOpenParen) { // ) (
			dst = append(dst, CreateAnd())
		}
	}

	return append(dst, op)
}

// BuildEntries tokenizes the user expression and conjoins the optional
// file parameters in front of it. Quotes make a verbatim token,
// brackets group, bare AND/OR/NOT are operators.
func BuildEntries(minSize uint64,
	maxSize uint64,
	sourcesCount uint32,
	completeSourcesCount uint32,
	fileType string,
	fileExtension string,
	codec string,
	mediaLength uint32,
	mediaBitrate uint32,
	value string) ([]Serializable, error) {
	result := make([]Serializable, 0)

	if len(fileType) > SEARCH_REQ_ELEM_LENGTH {
		return result, fmt.Errorf("file type too long %d", len(fileType))
	}

	if len(fileExtension) > SEARCH_REQ_ELEM_LENGTH {
		return result, fmt.Errorf("file ext too long %d", len(fileExtension))
	}

	if len(codec) > SEARCH_REQ_ELEM_LENGTH {
		return result, fmt.Errorf("codec too long %d", len(codec))
	}

	if len(value) > SEARCH_REQ_QUERY_LENGTH {
		return result, fmt.Errorf("search request too long %d", len(value))
	}

	if len(value) == 0 {
		return result, fmt.Errorf("search request is empty")
	}

	if fileType == ED2KFTSTR_FOLDER {
		// for folders search emule collections excluding ed2k links
		result = addOperand(result, CreateOpenParen())
		result = addOperand(result, CreateStringEntry(ED2KFTSTR_EMULECOLLECTION, FT_FILETYPE))
		result = addOperand(result, CreateNot())
		result = addOperand(result, CreateStringEntryNoTag("ED2K:\\"))
		result = addOperand(result, CreateCloseParen())
	} else {
		if len(fileType) != 0 {
			if fileType == ED2KFTSTR_ARCHIVE || fileType == ED2KFTSTR_CDIMAGE {
				result = addOperand(result, CreateStringEntry(ED2KFTSTR_PROGRAM, FT_FILETYPE))
			} else {
				result = addOperand(result, CreateStringEntry(fileType, FT_FILETYPE))
			}
		}

		if fileType != ED2KFTSTR_EMULECOLLECTION {
			if minSize != 0 {
				result = addOperand(result, CreateNumericEntry(minSize, FT_FILESIZE, ED2K_SEARCH_OP_GREATER))
			}

			if maxSize != 0 {
				result = addOperand(result, CreateNumericEntry(maxSize, FT_FILESIZE, ED2K_SEARCH_OP_LESS))
			}

			if sourcesCount != 0 {
				result = addOperand(result, CreateNumericEntry(uint64(sourcesCount), FT_SOURCES, ED2K_SEARCH_OP_GREATER))
			}

			if completeSourcesCount != 0 {
				result = addOperand(result, CreateNumericEntry(uint64(completeSourcesCount), FT_COMPLETE_SOURCES, ED2K_SEARCH_OP_GREATER))
			}

			if len(fileExtension) != 0 {
				result = addOperand(result, CreateStringEntry(fileExtension, FT_FILEFORMAT))
			}

			if len(codec) != 0 {
				result = addOperand(result, CreateStringEntry(codec, FT_MEDIA_CODEC))
			}

			if mediaLength != 0 {
				result = addOperand(result, CreateNumericEntry(uint64(mediaLength), FT_MEDIA_LENGTH, ED2K_SEARCH_OP_GREATER_EQUAL))
			}

			if mediaBitrate != 0 {
				result = addOperand(result, CreateNumericEntry(uint64(mediaBitrate), FT_MEDIA_BITRATE, ED2K_SEARCH_OP_GREATER_EQUAL))
			}
		}
	}

	verbatim := false
	item := ""

	for _, c := range value {
		switch {
		case c == ' ' || c == '(' || c == ')':
			if verbatim {
				item += string(c)
			} else if len(item) != 0 {
				oper := true
				switch item {
				case "AND":
					result = addOperand(result, CreateAnd())
				case "OR":
					result = addOperand(result, CreateOr())
				case "NOT":
					result = addOperand(result, CreateNot())
				default:
					result = addOperand(result, CreateStringEntryNoTag(item))
					oper = false
				}

				if oper {
					if len(result) == 1 {
						return result, ErrOperatorPlacement
					}

					if _, ok := result[len(result)-2].(*OperatorEntry); ok {
						return result, ErrOperatorPlacement
					}
				}

				item = ""
			}

			if !verbatim {
				if c == '(' {
					result = addOperand(result, CreateOpenParen())
				}

				if c == ')' {
					result = addOperand(result, CreateCloseParen())
				}
			}
		case c == '"':
			verbatim = !verbatim
		default:
			item += string(c)
		}
	}

	if verbatim {
		return result, ErrUnclosedQuotation
	}

	if len(item) != 0 {
		if item == "AND" || item == "OR" || item == "NOT" {
			return result, ErrOperatorPlacement
		}

		result = addOperand(result, CreateStringEntryNoTag(item))
	}

	return result, nil
}

// PackRequest converts the infix entry list to the prefix order the
// server expects, dropping the brackets.
func PackRequest(source []Serializable) (SearchRequest, error) {
	result := SearchRequest{}
	operatorsStack := make([]Serializable, 0)

	for i := len(source) - 1; i >= 0; i-- {
		entry := source[i]

		switch data := entry.(type) {
		case *StringEntry:
			result = append([]Serializable{data}, result...)
		case *NumericEntry:
			result = append([]Serializable{data}, result...)
		case *OperatorEntry:
			// a boolean operator on top of a boolean operator moves
			// the top into the result before pushing
			if data.IsBoolean() && len(operatorsStack) > 0 {
				if oper, ok := operatorsStack[len(operatorsStack)-1].(*OperatorEntry); ok {
					if oper.IsBoolean() {
						result = append([]Serializable{operatorsStack[len(operatorsStack)-1]}, result...)
						operatorsStack = operatorsStack[:len(operatorsStack)-1]
					}
				}
			}

			operatorsStack = append(operatorsStack, data)
		case *ParenEntry:
			if *data == '(' {
				if len(operatorsStack) == 0 {
					return result, ErrIncorrectBrackets
				}

				// unroll to the matching close paren
			A:
				for {
					top := operatorsStack[len(operatorsStack)-1]
					oper, ok := top.(*ParenEntry)
					if ok && *oper == ')' {
						break A
					}

					result = append([]Serializable{top}, result...)
					operatorsStack = operatorsStack[:len(operatorsStack)-1]

					if len(operatorsStack) == 0 {
						return result, ErrIncorrectBrackets
					}
				}

				operatorsStack = operatorsStack[:len(operatorsStack)-1]
			} else {
				operatorsStack = append(operatorsStack, data)
			}
		}
	}

	if len(operatorsStack) != 0 {
		for _, s := range operatorsStack {
			if _, ok := s.(*ParenEntry); ok {
				return result, ErrIncorrectBrackets
			}
		}

		switch data := (operatorsStack[0]).(type) {
		case *StringEntry:
			result = append([]Serializable{data}, result...)
		case *NumericEntry:
			result = append([]Serializable{data}, result...)
		case *OperatorEntry:
			result = append([]Serializable{data}, result...)
		}
	}

	return result, nil
}

// BuildSearchRequest is the one-call form for a plain keyword query.
func BuildSearchRequest(value string) (SearchRequest, error) {
	entries, err := BuildEntries(0, 0, 0, 0, "", "", "", 0, 0, value)
	if err != nil {
		return SearchRequest{}, err
	}

	return PackRequest(entries)
}

type SearchRequest []Serializable

func (sr SearchRequest) Put(sb *StateBuffer) *StateBuffer {
	for _, s := range sr {
		s.Put(sb)
	}

	return sb
}

func (sr *SearchRequest) Get(*StateBuffer) *StateBuffer {
	panic("SearchRequest Get issued")
}

func (sr SearchRequest) Size() int {
	res := 0
	for _, s := range sr {
		res += DataSize(s)
	}

	return res
}

type SearchMore struct{}

func (sm SearchMore) Put(sb *StateBuffer) *StateBuffer {
	return sb
}

func (sm *SearchMore) Get(*StateBuffer) *StateBuffer {
	panic("SearchMore Get issued")
}

func (sm SearchMore) Size() int {
	return 0
}

// SearchResult is the uint32-counted result list with the more-flag
// trailing when present.
type SearchResult struct {
	Items       []UsualPacket
	MoreResults byte
}

func (sr *SearchResult) Get(sb *StateBuffer) *StateBuffer {
	count := sb.ReadUint32()
	if sb.Error() != nil {
		return sb
	}

	if count > MAX_ELEMS {
		return sb.Abort(ErrContainerTooLong)
	}

	sr.Items = make([]UsualPacket, count)
	for i := 0; i < int(count); i++ {
		sr.Items[i].Get(sb)
		if sb.Error() != nil {
			return sb
		}
	}

	if sb.Remain() > 0 {
		sr.MoreResults = sb.ReadUint8()
	}

	return sb
}

func (sr SearchResult) Put(*StateBuffer) *StateBuffer {
	panic("SearchResult put requested")
}

func (sr SearchResult) Size() int {
	res := DataSize(uint32(0)) + DataSize(sr.MoreResults)
	for _, up := range sr.Items {
		res += DataSize(up)
	}

	return res
}

// SearchItem is one decoded result row.
type SearchItem struct {
	H               ED2KHash
	Point           Endpoint
	Filename        string
	Filesize        uint64
	Sources         int
	CompleteSources int
	Bitrate         int
	MediaLength     int
	Codec           string
}

func ToSearchItem(up *UsualPacket) SearchItem {
	res := SearchItem{H: up.H, Point: up.Point}
	for _, x := range up.Properties {
		switch x.Id {
		case FT_FILENAME:
			res.Filename = x.AsString()
		case FT_FILESIZE:
			res.Filesize = x.AsInt()
		case FT_FILESIZE_HI:
			res.Filesize |= x.AsInt() << 32
		case FT_SOURCES:
			res.Sources = int(x.AsInt())
		case FT_COMPLETE_SOURCES:
			res.CompleteSources = int(x.AsInt())
		case FT_MEDIA_BITRATE:
			res.Bitrate = int(x.AsInt())
		case FT_MEDIA_LENGTH:
			res.MediaLength = int(x.AsInt())
		case FT_MEDIA_CODEC:
			res.Codec = x.AsString()
		}
	}
	return res
}
