package directory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lancon/relay/internal/directory"
	"github.com/lancon/relay/internal/mocks"
	"github.com/lancon/relay/internal/user"
)

func newDirectory(t *testing.T, source directory.Source) *directory.Directory {
	t.Helper()
	dir, err := directory.New(source, time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	return dir
}

func TestDirectory_SearchPrefixAndFuzzy(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	// Given an index built from the user store
	source := mocks.NewMockSource(ctrl)
	source.EXPECT().Usernames(gomock.Any()).
		Return([]user.Identity{"Alice", "alfred", "bob", "bobby", "carol"}, nil)
	dir := newDirectory(t, source)
	req.NoError(dir.Refresh(ctx))

	// When searching by a case-insensitive prefix
	got, err := dir.Search(ctx, "AL", 10)

	// Then both matches come back sorted, original case preserved
	req.NoError(err)
	req.Equal([]user.Identity{"Alice", "alfred"}, got)

	// And a one-edit typo still finds the user
	got, err = dir.Search(ctx, "carl", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"carol"}, got)

	// And prefix plus fuzzy hits are not duplicated
	got, err = dir.Search(ctx, "bob", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"bob", "bobby"}, got)
}

func TestDirectory_EmptyQueryListsAllAndLimits(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	source := mocks.NewMockSource(ctrl)
	source.EXPECT().Usernames(gomock.Any()).
		Return([]user.Identity{"dave", "bob", "alice"}, nil)
	dir := newDirectory(t, source)
	req.NoError(dir.Refresh(ctx))

	all, err := dir.Search(ctx, "", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"alice", "bob", "dave"}, all)

	capped, err := dir.Search(ctx, "", 2)
	req.NoError(err)
	req.Len(capped, 2)

	none, err := dir.Search(ctx, "", 0)
	req.NoError(err)
	req.Empty(none)

	miss, err := dir.Search(ctx, "zz", 10)
	req.NoError(err)
	req.Empty(miss)
}

func TestDirectory_RefreshTracksRemovals(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	// Given a user that later disappears from the store
	source := mocks.NewMockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice", "bob"}, nil),
		source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"bob", "carol"}, nil),
	)
	dir := newDirectory(t, source)
	req.NoError(dir.Refresh(ctx))
	req.Equal(2, dir.Len())

	// When the index is refreshed again
	req.NoError(dir.Refresh(ctx))

	// Then the removed user is gone and the new one is searchable
	got, err := dir.Search(ctx, "", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"bob", "carol"}, got)
	req.Equal(2, dir.Len())
}

func TestDirectory_RefreshSourceError(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	source := mocks.NewMockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice"}, nil),
		source.EXPECT().Usernames(gomock.Any()).Return(nil, errors.New("db down")),
	)
	dir := newDirectory(t, source)
	req.NoError(dir.Refresh(ctx))

	// A failed refresh keeps the previous index
	req.Error(dir.Refresh(ctx))
	got, err := dir.Search(ctx, "", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"alice"}, got)
}

func TestDirectory_RunRefreshesUntilCancelled(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)

	source := mocks.NewMockSource(ctrl)
	source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice"}, nil).MinTimes(2)

	dir, err := directory.New(source, 10*time.Millisecond, nil)
	req.NoError(err)
	defer dir.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dir.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	req.Equal(1, dir.Len())
}

func TestDirectory_Closed(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)

	source := mocks.NewMockSource(ctrl)
	source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice"}, nil).AnyTimes()
	dir, err := directory.New(source, time.Hour, nil)
	req.NoError(err)
	req.NoError(dir.Close())
	req.NoError(dir.Close())

	_, err = dir.Search(context.Background(), "a", 10)
	req.ErrorIs(err, directory.ErrClosed)
	req.ErrorIs(dir.Refresh(context.Background()), directory.ErrClosed)
	req.ErrorIs(dir.Add(context.Background(), "bob"), directory.ErrClosed)
}

func TestDirectory_AddIndexesWithoutRefresh(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	// Given an index built before bob registered
	source := mocks.NewMockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice"}, nil),
		source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice", "bob"}, nil),
	)
	dir := newDirectory(t, source)
	req.NoError(dir.Refresh(ctx))

	// When bob is added directly
	req.NoError(dir.Add(ctx, "bob"))
	req.NoError(dir.Add(ctx, "bob"))
	req.NoError(dir.Add(ctx, ""))

	// Then bob is searchable at once
	got, err := dir.Search(ctx, "bo", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"bob"}, got)
	req.Equal(2, dir.Len())

	// And the next refresh agrees with the store without a duplicate
	req.NoError(dir.Refresh(ctx))
	all, err := dir.Search(ctx, "", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"alice", "bob"}, all)
}

func TestDirectory_StaleRefreshKeepsConcurrentAdd(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	var dir *directory.Directory
	source := mocks.NewMockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice"}, nil),
		// Given dave registers while a refresh is still listing the store
		source.EXPECT().Usernames(gomock.Any()).
			DoAndReturn(func(ctx context.Context) ([]user.Identity, error) {
				req.NoError(dir.Add(ctx, "dave"))
				return []user.Identity{"alice"}, nil
			}),
		source.EXPECT().Usernames(gomock.Any()).Return([]user.Identity{"alice", "dave"}, nil),
	)
	dir = newDirectory(t, source)
	req.NoError(dir.Refresh(ctx))

	// When the refresh finishes with a listing that predates dave
	req.NoError(dir.Refresh(ctx))

	// Then dave stays searchable
	got, err := dir.Search(ctx, "da", 10)
	req.NoError(err)
	req.Equal([]user.Identity{"dave"}, got)

	// And a later refresh still reconciles normally
	req.NoError(dir.Refresh(ctx))
	req.Equal(2, dir.Len())
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := directory.New(nil, time.Second, nil)
	require.Error(t, err)
}
