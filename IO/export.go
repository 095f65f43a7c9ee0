package IO

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// ExportTokenIDsBinary writes token ID sequences to a binary data file plus an index:
//
//   - .bin = concatenated int32 token sequences
//   - .idx = int64 (offset, length) per line
//
// It will split into shards <= maxShardBytes. Returns the number of shards
// written.
func ExportTokenIDsBinary(inPath, outPrefix string, tok Tokenizer, maxShardBytes int64) (int, error) {
	inF, err := os.Open(inPath)
	if err != nil {
		return 0, err
	}
	defer inF.Close()
	reader := bufio.NewReader(inF)

	shard := 0
	var (
		dataF, idxF *os.File
		wData, wIdx *bufio.Writer
		cur         int64
	)

	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		if err := wData.Flush(); err != nil {
			return err
		}
		if err := wIdx.Flush(); err != nil {
			return err
		}
		if err := dataF.Close(); err != nil {
			return err
		}
		return idxF.Close()
	}
	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		dataF, err = os.Create(fmt.Sprintf("%s-%03d.bin", outPrefix, shard))
		if err != nil {
			return err
		}
		idxF, err = os.Create(fmt.Sprintf("%s-%03d.idx", outPrefix, shard))
		if err != nil {
			return err
		}
		wData = bufio.NewWriter(dataF)
		wIdx = bufio.NewWriter(idxF)
		cur = 0
		return nil
	}

	if err := openShard(); err != nil {
		return 0, err
	}

	buf4 := make([]byte, 4)
	buf8 := make([]byte, 8)
	for {
		line, rerr := reader.ReadString('\n')
		if line == "" && rerr == io.EOF {
			break
		}
		if line == "" && rerr != nil {
			return 0, rerr
		}

		// tokenize line → ids
		ids, err := tok.Encode(line)
		if err != nil {
			return 0, err
		}
		if len(ids) > 0 {
			// write offset + length to idx
			binary.LittleEndian.PutUint64(buf8, uint64(cur))
			if _, err := wIdx.Write(buf8); err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint64(buf8, uint64(len(ids)))
			if _, err := wIdx.Write(buf8); err != nil {
				return 0, err
			}

			// write ids to bin
			for _, id := range ids {
				binary.LittleEndian.PutUint32(buf4, uint32(id))
				if _, err := wData.Write(buf4); err != nil {
					return 0, err
				}
			}
			cur += int64(4 * len(ids))

			// rollover if shard too big
			if cur >= maxShardBytes {
				shard++
				if err := openShard(); err != nil {
					return 0, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
	}
	if err := closeShard(); err != nil {
		return 0, err
	}
	if cur == 0 && shard > 0 {
		// the last rollover opened an empty shard
		os.Remove(fmt.Sprintf("%s-%03d.bin", outPrefix, shard))
		os.Remove(fmt.Sprintf("%s-%03d.idx", outPrefix, shard))
		return shard, nil
	}
	return shard + 1, nil
}

// ReadTokenShards reads every <prefix>-NNN.bin/.idx pair in order and
// returns the sequences as one token stream.
func ReadTokenShards(prefix string) ([]int, error) {
	bins, err := filepath.Glob(prefix + "-[0-9][0-9][0-9].bin")
	if err != nil {
		return nil, err
	}
	if len(bins) == 0 {
		return nil, errors.Errorf("no token shards match %s-NNN.bin", prefix)
	}
	sort.Strings(bins)

	var out []int
	for _, bin := range bins {
		data, err := os.ReadFile(bin)
		if err != nil {
			return nil, err
		}
		idx, err := os.ReadFile(bin[:len(bin)-len(".bin")] + ".idx")
		if err != nil {
			return nil, err
		}
		if len(idx)%16 != 0 {
			return nil, errors.Errorf("%s: truncated index", bin)
		}
		for k := 0; k < len(idx); k += 16 {
			off := binary.LittleEndian.Uint64(idx[k:])
			n := binary.LittleEndian.Uint64(idx[k+8:])
			end := off + 4*n
			if end > uint64(len(data)) {
				return nil, errors.Errorf("%s: sequence at %d runs past end of data", bin, off)
			}
			for p := off; p < end; p += 4 {
				out = append(out, int(binary.LittleEndian.Uint32(data[p:])))
			}
		}
	}
	return out, nil
}
