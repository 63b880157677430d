package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ImageMagic prefixes every program image: "VRBC" (VeRdict ByteCode).
var ImageMagic = []byte{'V', 'R', 'B', 'C'}

// cborEncMode uses canonical mode so equal programs encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Serialize encodes the program as an image.
// Format:
//
//	[magic:4] [version:2 little-endian] [cbor body:...]
func (p *Program) Serialize() ([]byte, error) {
	body, err := cborEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bytecode: marshal program: %w", err)
	}
	buf := make([]byte, 0, len(body)+6)
	buf = append(buf, ImageMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, p.Version)
	return append(buf, body...), nil
}

// Deserialize decodes a program image and validates it.
func Deserialize(data []byte) (*Program, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("program image too short: need at least 6 bytes, got %d", len(data))
	}
	if !bytes.Equal(data[:4], ImageMagic) {
		return nil, fmt.Errorf("invalid program magic: expected %q, got %q", ImageMagic, data[:4])
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version > ProgramVersion {
		return nil, fmt.Errorf("program version %d is newer than supported version %d", version, ProgramVersion)
	}

	var p Program
	if err := cbor.Unmarshal(data[6:], &p); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal program: %w", err)
	}
	if p.Version != version {
		return nil, fmt.Errorf("program header version %d disagrees with body version %d", version, p.Version)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("bytecode: invalid program: %w", err)
	}
	return &p, nil
}

// WriteFile writes the program image to path.
func (p *Program) WriteFile(path string) error {
	data, err := p.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile loads a program image from path.
func ReadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	p, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
