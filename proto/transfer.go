package proto

import (
	"fmt"

	"github.com/goed2k/goed2k/data"
)

// AddTransferParameters is the binary resume payload: enough to revive
// a transfer without re-checking untouched pieces.
type AddTransferParameters struct {
	Hashes           HashSet
	Filename         ByteContainer
	Filesize         uint64
	Pieces           BitField
	DownloadedBlocks map[int]BitField
	Transferred      uint64
	Requested        uint64
	Accepted         uint64
	Priority         uint32
	SavedMtime       int64
}

func (atp *AddTransferParameters) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&atp.Hashes).Read(&atp.Filename).Read(&atp.Filesize).Read(&atp.Pieces)
	atp.DownloadedBlocks = make(map[int]BitField)
	downloadedBlocksSize := int(sb.ReadUint16())
	if sb.Error() != nil {
		return sb
	}

	if uint32(downloadedBlocksSize) > MAX_ELEMS {
		return sb.Abort(fmt.Errorf("downloaded blocks size too large: %v", downloadedBlocksSize))
	}

	for i := 0; i < downloadedBlocksSize; i++ {
		pieceIndex := int(sb.ReadUint32())
		bf := BitField{}
		sb.Read(&bf)
		if sb.Error() != nil {
			return sb
		}
		atp.DownloadedBlocks[pieceIndex] = bf
	}

	sb.Read(&atp.Transferred).Read(&atp.Requested).Read(&atp.Accepted).Read(&atp.Priority)
	atp.SavedMtime = int64(sb.ReadUint64())
	return sb
}

func (atp AddTransferParameters) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(atp.Hashes).Write(atp.Filename).Write(atp.Filesize).Write(atp.Pieces)
	sb.Write(uint16(len(atp.DownloadedBlocks)))
	for i, x := range atp.DownloadedBlocks {
		sb.Write(uint32(i))
		sb.Write(x)
	}

	sb.Write(atp.Transferred).Write(atp.Requested).Write(atp.Accepted).Write(atp.Priority)
	return sb.Write(uint64(atp.SavedMtime))
}

func (atp AddTransferParameters) Size() int {
	sz := DataSize(atp.Hashes) +
		DataSize(atp.Filename) +
		DataSize(atp.Filesize) +
		DataSize(atp.Pieces) +
		DataSize(uint16(0))

	for _, x := range atp.DownloadedBlocks {
		sz += DataSize(uint32(0))
		sz += DataSize(x)
	}

	return sz + 3*DataSize(uint64(0)) + DataSize(uint32(0)) + DataSize(uint64(0))
}

func CreateAddTransferParameters(hash ED2KHash, size uint64, filename string) AddTransferParameters {
	piecesCount := data.NumPieces(size)
	return AddTransferParameters{
		Hashes:           HashSet{Hash: hash, PieceHashes: make([]ED2KHash, 0)},
		Filesize:         size,
		Filename:         String2ByteContainer(filename),
		Pieces:           CreateBitField(piecesCount),
		DownloadedBlocks: make(map[int]BitField),
	}
}

// ResumeEntry is the tagged envelope a known-files record travels in:
// FT_FILENAME, FT_FILESIZE(+HI), FT_FILEHASH and the binary parameters
// in FT_FAST_RESUME_DATA. Unknown tags are skipped.
type ResumeEntry struct {
	Tags TagCollection
}

func PackResumeEntry(atp *AddTransferParameters) (ResumeEntry, error) {
	blob := make([]byte, atp.Size())
	sb := StateBuffer{Data: blob}
	atp.Put(&sb)
	if sb.Error() != nil {
		return ResumeEntry{}, sb.Error()
	}

	tags := TagCollection{}
	name, err := CreateTag(atp.Filename.ToString(), FT_FILENAME, "")
	if err != nil {
		return ResumeEntry{}, err
	}

	tags = append(tags, name)
	tags = append(tags, MustTag(uint32(atp.Filesize&0xFFFFFFFF), FT_FILESIZE, ""))
	if atp.Filesize > 0xFFFFFFFF {
		tags = append(tags, MustTag(uint32(atp.Filesize>>32), FT_FILESIZE_HI, ""))
	}

	tags = append(tags, MustTag(atp.Hashes.Hash, FT_FILEHASH, ""))
	tags = append(tags, MustTag(blob[:sb.Offset()], FT_FAST_RESUME_DATA, ""))
	return ResumeEntry{Tags: tags}, nil
}

func (re ResumeEntry) Unpack() (AddTransferParameters, error) {
	atp := AddTransferParameters{}
	resume := re.Tags.FindById(FT_FAST_RESUME_DATA)
	if resume == nil || !resume.IsBlob() {
		return atp, fmt.Errorf("missing transfer hash: no resume blob")
	}

	sb := StateBuffer{Data: resume.AsBlob()}
	atp.Get(&sb)
	if sb.Error() != nil {
		return atp, sb.Error()
	}

	// the envelope tags win over the blob on disagreement
	if name := re.Tags.FindById(FT_FILENAME); name != nil && name.IsString() {
		atp.Filename = String2ByteContainer(name.AsString())
	}

	if h := re.Tags.FindById(FT_FILEHASH); h != nil && h.IsHash() {
		atp.Hashes.Hash = h.AsHash()
	}

	return atp, nil
}

func (re *ResumeEntry) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&re.Tags)
}

func (re ResumeEntry) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(re.Tags)
}

func (re ResumeEntry) Size() int {
	return re.Tags.Size()
}
