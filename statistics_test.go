package goed2k

import (
	"testing"
	"time"
)

func Test_statChannel(t *testing.T) {
	s := MakeStatistics()
	s.ReceiveBytes(1000)
	s.SendBytes(500)

	if s.TotalDownload() != 1000 || s.TotalUpload() != 500 {
		t.Errorf("totals wrong %d/%d", s.TotalDownload(), s.TotalUpload())
	}

	s.SecondTick(time.Second)
	if s.DownloadRate() != 200 {
		t.Errorf("download rate %d expected 200 after one EMA step", s.DownloadRate())
	}

	if s.UploadRate() != 100 {
		t.Errorf("upload rate %d expected 100 after one EMA step", s.UploadRate())
	}
}

func Test_statChannelDecay(t *testing.T) {
	s := MakeStatistics()
	s.ReceiveBytes(5000)
	s.SecondTick(time.Second)
	first := s.DownloadRate()

	s.SecondTick(time.Second)
	second := s.DownloadRate()
	if second >= first {
		t.Errorf("rate must decay without traffic, %d -> %d", first, second)
	}
}

func Test_statisticsAggregation(t *testing.T) {
	parent := MakeStatistics()
	child := MakeStatistics()
	child.ReceiveBytes(300)

	parent.Add(&child)
	parent.SecondTick(time.Second)
	if parent.DownloadRate() != 60 {
		t.Errorf("aggregated rate %d expected 60", parent.DownloadRate())
	}
}

func Test_statChannelZeroDuration(t *testing.T) {
	s := MakeStatistics()
	s.ReceiveBytes(100)
	s.SecondTick(0)
	// just must not divide by zero
}
