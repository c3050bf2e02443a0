package firmware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zolotov-av/pigro/hexfile"
)

func records(t *testing.T, hex string) []hexfile.Record {
	t.Helper()
	recs, err := hexfile.ReadAll(strings.NewReader(hex))
	require.NoError(t, err)
	return recs
}

func TestBuildSinglePage(t *testing.T) {
	// a 16-byte payload lands in a 32-byte page; the rest stays filled 0xFF.
	hex := ":020000040000FA\n:10000000DEADBEEF00112233445566778899AABB56\n:00000001FF\n"
	fw, err := Build(records(t, hex), 32, DefaultFill)
	require.NoError(t, err)

	pages := fw.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, uint32(0), pages[0].Addr)
	assert.Len(t, pages[0].Data, 32)
	assert.Equal(t, byte(0xDE), pages[0].Data[0])
	assert.Equal(t, byte(0xBB), pages[0].Data[15])
	for i := 16; i < 32; i++ {
		assert.Equal(t, byte(0xFF), pages[0].Data[i])
	}
}

func TestBuildPageAlignmentInvariant(t *testing.T) {
	// every page key must be page-aligned and every page exactly page_size
	// long.
	hex := ":10001000000102030405060708090A0B0C0D0E0F68\n:00000001FF\n"
	fw, err := Build(records(t, hex), 16, DefaultFill)
	require.NoError(t, err)
	for _, p := range fw.Pages() {
		assert.Zero(t, p.Addr%uint32(fw.PageSize()))
		assert.Len(t, p.Data, int(fw.PageSize()))
	}
}

func TestBuildLastWriteWins(t *testing.T) {
	hex := ":01000000AA55\n:01000000BB44\n:00000001FF\n"
	fw, err := Build(records(t, hex), 16, DefaultFill)
	require.NoError(t, err)
	pages := fw.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, byte(0xBB), pages[0].Data[0])
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(17)
	assert.ErrorIs(t, err, ErrPageSizeNotPowerOfTwo)
}

func TestValidateRejectsOutOfRangePage(t *testing.T) {
	hex := ":01002000AA35\n:00000001FF\n"
	fw, err := Build(records(t, hex), 16, DefaultFill)
	require.NoError(t, err)
	assert.ErrorIs(t, fw.Validate(0x20), ErrPageOutOfRange)
	assert.NoError(t, fw.Validate(0x30))
}
