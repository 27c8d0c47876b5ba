package encoding

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ObjectID uint64
	Version  uint64
	Data     []byte
	Tags     map[string]string
}

func TestMarshal_StableMapOrder(t *testing.T) {
	r := record{ObjectID: 1, Version: 2, Tags: map[string]string{"b": "2", "a": "1", "c": "3"}}

	first, err := Marshal(r)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(r)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestUnmarshal_Struct(t *testing.T) {
	in := record{ObjectID: 9, Version: 3, Data: []byte{1, 2, 3}}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.ObjectID, out.ObjectID)
	assert.Equal(t, in.Data, out.Data)
}

func TestCompress(t *testing.T) {
	payload := bytes.Repeat([]byte("object-state-"), 1000)

	compressed := Compress(payload)
	assert.Less(t, len(compressed), len(payload))

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	_, err = Decompress([]byte("not a zstd frame"))
	assert.Error(t, err)
}

func TestCompress_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(n)}, 4096)
			for j := 0; j < 50; j++ {
				out, err := Decompress(Compress(payload))
				if !assert.NoError(t, err) || !assert.Equal(t, payload, out) {
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
