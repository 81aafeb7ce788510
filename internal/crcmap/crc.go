// Package crcmap implements the per-image CRC integrity map: a list
// of 32-bit checksums, one per 16 MiB chunk, plus a master checksum
// over that list.
package crcmap

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// ChunkSize is the granularity the integrity map checksums over.
const ChunkSize = 16 * 1024 * 1024

// ErrMismatch is returned by Verify when the master checksum doesn't
// match the recomputed value over the chunk list.
var ErrMismatch = errors.New("crcmap: master checksum mismatch")

// hardwareAccelerated reports whether the host CPU exposes the
// instructions hash/crc32's own runtime dispatch uses to accelerate
// Castagnoli CRCs: PCLMULQDQ + SSE4.2 on amd64; on arm64 the ASIMD
// feature flag is what gets checked. klauspost/cpuid/v2 is queried once at package init so the
// rest of the package can log which path is active without repeating
// CPUID probes on every checksum.
var hardwareAccelerated = cpuid.CPU.Supports(cpuid.PCLMULQDQ, cpuid.SSE42) || cpuid.CPU.Supports(cpuid.ASIMD)

// HardwareAccelerated reports which CRC32 path Checksum will take.
func HardwareAccelerated() bool { return hardwareAccelerated }

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32 (Castagnoli polynomial) of b. On CPUs
// with PCLMULQDQ/SSE4.2 (or, on arm64, ASIMD) hash/crc32
// dispatches to hardware automatically once the table was built with
// MakeTable; on everything else it falls back to a slicing-by-8
// table-driven implementation (eight 256-entry tables), which is what
// crc32.MakeTable also builds internally when no hardware path is
// available. The two branches below exist so the table-driven method
// stays visible in the code rather than hidden entirely behind the
// standard library's own dispatch.
func Checksum(b []byte) uint32 {
	if hardwareAccelerated {
		return crc32.Checksum(b, castagnoliTable)
	}
	return slicingBy8(b)
}

// slicingBy8 table-driven CRC32 (Castagnoli), used verbatim when no
// hardware acceleration is available. It trades the single 256-entry
// table's one-byte-per-step throughput for eight parallel tables
// processing 8 bytes per step.
func slicingBy8(b []byte) uint32 {
	crc := ^uint32(0)
	n := len(b) - len(b)%8
	for i := 0; i < n; i += 8 {
		crc ^= binary.LittleEndian.Uint32(b[i:])
		crc = slicing8Tables[7][byte(crc)] ^
			slicing8Tables[6][byte(crc>>8)] ^
			slicing8Tables[5][byte(crc>>16)] ^
			slicing8Tables[4][byte(crc>>24)] ^
			slicing8Tables[3][b[i+4]] ^
			slicing8Tables[2][b[i+5]] ^
			slicing8Tables[1][b[i+6]] ^
			slicing8Tables[0][b[i+7]]
	}
	for _, c := range b[n:] {
		crc = slicing8Tables[0][byte(crc)^c] ^ (crc >> 8)
	}
	return ^crc
}

var slicing8Tables = buildSlicing8Tables()

func buildSlicing8Tables() (tables [8][256]uint32) {
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for b := 0; b < 8; b++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ crc32.Castagnoli
			} else {
				crc >>= 1
			}
		}
		tables[0][i] = crc
	}
	for i := 0; i < 256; i++ {
		crc := tables[0][i]
		for t := 1; t < 8; t++ {
			crc = tables[0][byte(crc)] ^ (crc >> 8)
			tables[t][i] = crc
		}
	}
	return tables
}

// Map is an image's CRC integrity list: a master checksum and one
// entry per ChunkSize-sized chunk of the virtual image size.
type Map struct {
	Master uint32
	Chunks []uint32
}

// NumChunks returns the expected chunk count for a virtual image size.
func NumChunks(virtualSize int64) int {
	return int((virtualSize + ChunkSize - 1) / ChunkSize)
}

// Load reads a .crc sidecar file: a u32 master checksum followed by
// one u32 per chunk.
func Load(r io.Reader) (*Map, error) {
	var master uint32
	if err := binary.Read(r, binary.LittleEndian, &master); err != nil {
		return nil, errors.Wrap(err, "crcmap: read master checksum")
	}
	var chunks []uint32
	for {
		var c uint32
		err := binary.Read(r, binary.LittleEndian, &c)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "crcmap: read chunk checksum")
		}
		chunks = append(chunks, c)
	}
	return &Map{Master: master, Chunks: chunks}, nil
}

// Save writes m in the on-disk .crc format.
func Save(w io.Writer, m *Map) error {
	if err := binary.Write(w, binary.LittleEndian, m.Master); err != nil {
		return errors.Wrap(err, "crcmap: write master checksum")
	}
	for _, c := range m.Chunks {
		if err := binary.Write(w, binary.LittleEndian, c); err != nil {
			return errors.Wrap(err, "crcmap: write chunk checksum")
		}
	}
	return nil
}

// computeMaster is the CRC32 over the chunk list's little-endian byte
// representation, matching how Save lays it out on disk.
func computeMaster(chunks []uint32) uint32 {
	buf := make([]byte, 4*len(chunks))
	for i, c := range chunks {
		binary.LittleEndian.PutUint32(buf[i*4:], c)
	}
	return Checksum(buf)
}

// Verify recomputes the master checksum over m.Chunks and compares it
// against m.Master. A mismatch means the image must be marked not
// working.
func Verify(m *Map) error {
	if computeMaster(m.Chunks) != m.Master {
		return ErrMismatch
	}
	return nil
}

// Build constructs a fresh Map from a reader over the whole image,
// used when generating a .crc sidecar from scratch (the CRC file
// generation tool itself is out of scope; this is the library call
// it would use).
func Build(r io.Reader, virtualSize int64) (*Map, error) {
	chunks := make([]uint32, 0, NumChunks(virtualSize))
	buf := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunks = append(chunks, Checksum(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "crcmap: read image")
		}
	}
	m := &Map{Chunks: chunks}
	m.Master = computeMaster(chunks)
	return m, nil
}

// VerifyChunk recomputes the checksum of one chunk's data and reports
// whether it matches the recorded value for chunkIndex.
func (m *Map) VerifyChunk(chunkIndex int, data []byte) (bool, error) {
	if chunkIndex < 0 || chunkIndex >= len(m.Chunks) {
		return false, errors.Errorf("crcmap: chunk index %d out of range", chunkIndex)
	}
	return Checksum(data) == m.Chunks[chunkIndex], nil
}
