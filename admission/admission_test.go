package admission

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/meshq/store"
)

func testGate(t *testing.T, perDay, maxPending int) (*Gate, *store.Store) {
	t.Helper()
	s := store.OpenMemory(t)
	return NewGate(s, slog.New(slog.DiscardHandler), perDay, maxPending), s
}

func TestAdmitHappyPath(t *testing.T) {
	g, _ := testGate(t, 3, 10)
	ctx := context.Background()

	remaining, err := g.Admit(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.Equal(t, 2, remaining)
}

func TestAdmitOrderBanFirst(t *testing.T) {
	g, s := testGate(t, 0, 0)
	ctx := context.Background()

	// Quota is zero and the queue is "full", but the ban must win.
	require.NoError(t, s.AddBan(ctx, "203.0.113.0/24", "abuse"))

	_, err := g.Admit(ctx, "203.0.113.7")
	require.ErrorIs(t, err, ErrBanned)
}

func TestAdmitQuota(t *testing.T) {
	g, _ := testGate(t, 2, 10)
	ctx := context.Background()
	ip := "198.51.100.4"

	for i := 0; i < 2; i++ {
		remaining, err := g.Admit(ctx, ip)
		require.NoError(t, err)
		require.Equal(t, 1-i, remaining)
		require.NoError(t, g.RecordUpload(ctx, ip, store.NewJobID()))
	}

	_, err := g.Admit(ctx, ip)
	require.ErrorIs(t, err, ErrRateLimited)

	// Another submitter is unaffected.
	_, err = g.Admit(ctx, "192.0.2.1")
	require.NoError(t, err)
}

func TestAdmitQueueFull(t *testing.T) {
	g, s := testGate(t, 10, 1)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, &store.Job{Submitter: "192.0.2.1"})
	require.NoError(t, err)

	_, err = g.Admit(ctx, "198.51.100.4")
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestSniffValidator(t *testing.T) {
	v := &SniffValidator{MaxBytes: 64}

	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("jfif")...)
	in, err := v.Validate(jpeg, "photo.jpeg")
	require.NoError(t, err)
	require.Equal(t, "jpg", in.Ext)
	require.Len(t, in.Hash, 64)
	require.Equal(t, jpeg, in.Cleaned)

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, 0)
	in, err = v.Validate(png, "shot.png")
	require.NoError(t, err)
	require.Equal(t, "png", in.Ext)

	webp := append([]byte("RIFF\x00\x00\x00\x00WEBP"), []byte("VP8 ")...)
	in, err = v.Validate(webp, "pic.webp")
	require.NoError(t, err)
	require.Equal(t, "webp", in.Ext)

	_, err = v.Validate([]byte("GIF89a"), "anim.gif")
	require.ErrorIs(t, err, ErrUnsupported)

	// Extension lies are ignored; only bytes count.
	_, err = v.Validate([]byte("<script>"), "totally.png")
	require.ErrorIs(t, err, ErrUnsupported)

	big := make([]byte, 65)
	copy(big, jpeg)
	_, err = v.Validate(big, "huge.jpg")
	require.ErrorIs(t, err, ErrTooLarge)
}
