package proto

import (
	"testing"

	"github.com/goed2k/goed2k/data"
)

func Test_addTransferParameters(t *testing.T) {
	atp := CreateAddTransferParameters(EMULE, 2*data.PIECE_SIZE_UINT64+100, "some.bin")
	atp.Hashes.PieceHashes = []ED2KHash{LIBED2K, Terminal, EMULE}
	atp.Pieces.SetBit(0)
	blocks := CreateBitField(data.BLOCKS_PER_PIECE)
	blocks.SetBit(3)
	blocks.SetBit(7)
	atp.DownloadedBlocks[1] = blocks
	atp.Transferred = 1000
	atp.Requested = 2000
	atp.Accepted = 900
	atp.Priority = 1
	atp.SavedMtime = 1234567890

	buf := make([]byte, atp.Size())
	sw := StateBuffer{Data: buf}
	atp.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	if sw.Offset() != atp.Size() {
		t.Errorf("size mismatch wrote %d expected %d", sw.Offset(), atp.Size())
	}

	atp2 := AddTransferParameters{}
	sr := StateBuffer{Data: buf}
	atp2.Get(&sr)
	if sr.Error() != nil {
		t.Fatalf("get failed %v", sr.Error())
	}

	if atp2.Hashes.Hash != EMULE || len(atp2.Hashes.PieceHashes) != 3 {
		t.Error("hashes mismatch")
	}

	if atp2.Filename.ToString() != "some.bin" || atp2.Filesize != atp.Filesize {
		t.Error("file attributes mismatch")
	}

	if !atp2.Pieces.GetBit(0) || atp2.Pieces.GetBit(1) {
		t.Error("pieces bitfield mismatch")
	}

	bf, ok := atp2.DownloadedBlocks[1]
	if !ok || !bf.GetBit(3) || !bf.GetBit(7) || bf.GetBit(4) {
		t.Error("downloaded blocks mismatch")
	}

	if atp2.Transferred != 1000 || atp2.Requested != 2000 || atp2.Accepted != 900 ||
		atp2.Priority != 1 || atp2.SavedMtime != 1234567890 {
		t.Error("counters mismatch")
	}
}

func Test_resumeEntry(t *testing.T) {
	atp := CreateAddTransferParameters(LIBED2K, 5000, "resume.bin")
	atp.SavedMtime = 111

	entry, err := PackResumeEntry(&atp)
	if err != nil {
		t.Fatalf("pack failed %v", err)
	}

	// the envelope carries the mandated tags
	if entry.Tags.FindById(FT_FILENAME) == nil {
		t.Error("missing FT_FILENAME")
	}

	if entry.Tags.FindById(FT_FILESIZE) == nil {
		t.Error("missing FT_FILESIZE")
	}

	if h := entry.Tags.FindById(FT_FILEHASH); h == nil || h.AsHash() != LIBED2K {
		t.Error("missing or wrong FT_FILEHASH")
	}

	buf := make([]byte, entry.Size())
	sw := StateBuffer{Data: buf}
	entry.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("entry put failed %v", sw.Error())
	}

	entry2 := ResumeEntry{}
	sr := StateBuffer{Data: buf}
	entry2.Get(&sr)
	if sr.Error() != nil {
		t.Fatalf("entry get failed %v", sr.Error())
	}

	atp2, err := entry2.Unpack()
	if err != nil {
		t.Fatalf("unpack failed %v", err)
	}

	if atp2.Hashes.Hash != LIBED2K || atp2.Filesize != 5000 ||
		atp2.Filename.ToString() != "resume.bin" || atp2.SavedMtime != 111 {
		t.Errorf("resume round trip mismatch %+v", atp2)
	}
}

// unknown envelope tags are ignored
func Test_resumeEntryUnknownTags(t *testing.T) {
	atp := CreateAddTransferParameters(EMULE, 100, "x.bin")
	entry, err := PackResumeEntry(&atp)
	if err != nil {
		t.Fatalf("pack failed %v", err)
	}

	entry.Tags = append(entry.Tags, MustTag(uint32(42), 0x77, ""))
	if _, err := entry.Unpack(); err != nil {
		t.Errorf("unknown tag must not break unpack: %v", err)
	}
}
