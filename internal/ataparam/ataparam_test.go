package ataparam

import "testing"

func TestParseLBA48Sectors(t *testing.T) {
	var buf IdentifyWords
	buf[83] = 1 << 10
	buf[60], buf[61] = 0x1234, 0x0001 // LBA28 value, ignored once LBA48 wins
	buf[100], buf[101], buf[102], buf[103] = 0x0010, 0x0000, 0x0000, 0x0000

	p := Parse(&buf)
	if !p.LBA48 {
		t.Fatal("expected LBA48 to be detected from word 83 bit 10")
	}
	if p.Sectors() != 0x10 {
		t.Errorf("Sectors() = %#x, want 0x10", p.Sectors())
	}
}

func TestParseFallsBackToLBA28(t *testing.T) {
	var buf IdentifyWords
	buf[60], buf[61] = 0x1000, 0x0000

	p := Parse(&buf)
	if p.LBA48 {
		t.Fatal("did not expect LBA48 without word 83 bit 10")
	}
	if p.Sectors() != 0x1000 {
		t.Errorf("Sectors() = %#x, want 0x1000", p.Sectors())
	}
}

func TestParseModelStringIsWordSwapped(t *testing.T) {
	var buf IdentifyWords
	// "AB" little-endian-packed the ATA way: byte 0 = 'B', byte 1 = 'A'
	// within the word, i.e. ataString reads each word big-endian.
	buf[27] = uint16('A')<<8 | uint16('B')

	p := Parse(&buf)
	if p.Model != "AB" {
		t.Errorf("Model = %q, want %q", p.Model, "AB")
	}
}

func TestGetDiskParameter(t *testing.T) {
	var buf IdentifyWords
	buf[60], buf[61] = 2000, 0
	buf[27] = uint16('X')<<8 | uint16('Y')

	p := Parse(&buf)
	dp := p.GetDiskParameter()
	if dp.Sectors != 2000 {
		t.Errorf("Sectors = %d, want 2000", dp.Sectors)
	}
	if dp.SectorSize != 512 {
		t.Errorf("SectorSize = %d, want 512", dp.SectorSize)
	}
	if dp.Model != "XY" {
		t.Errorf("Model = %q, want %q", dp.Model, "XY")
	}
}
