package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqvault/internal/pipeline"
)

// fakeStore records the stable id assignment.
type fakeStore struct {
	err error

	filepath string
	user     string
	checksum string
	stableID string
}

func (s *fakeStore) SetStableID(_ context.Context, filepath, user, decryptedChecksum, stableID string) error {
	s.filepath, s.user = filepath, user
	s.checksum, s.stableID = decryptedChecksum, stableID
	return s.err
}

const accessionBody = `{
	"type": "accession",
	"accession_id": "EGAF00000000014",
	"user": "dorothy@elixir-europe.org",
	"filepath": "sample.c4gh",
	"decrypted_checksums": [
		{"type": "sha256", "value": "7c03e8b0789ecf5ecdeb34ef37a6ec8620912e8b1a9f15f22233471e9b457130"},
		{"type": "md5", "value": "b5a2d2075f200552829ab0c3a056bf13"}
	]
}`

func TestHandleAssignsAccessionID(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	w := &worker{db: store}

	reply, err := w.handle(context.Background(), []byte(accessionBody))
	require.NoError(t, err)

	// The reply is the accession message minus the routing marker.
	assert.JSONEq(t, `{
		"accession_id": "EGAF00000000014",
		"user": "dorothy@elixir-europe.org",
		"filepath": "sample.c4gh",
		"decrypted_checksums": [
			{"type": "sha256", "value": "7c03e8b0789ecf5ecdeb34ef37a6ec8620912e8b1a9f15f22233471e9b457130"},
			{"type": "md5", "value": "b5a2d2075f200552829ab0c3a056bf13"}
		]
	}`, string(reply))

	// The lookup uses the cleaned submitter id and the sha256.
	assert.Equal(t, "sample.c4gh", store.filepath)
	assert.Equal(t, "dorothy", store.user)
	assert.Equal(t, "7c03e8b0789ecf5ecdeb34ef37a6ec8620912e8b1a9f15f22233471e9b457130", store.checksum)
	assert.Equal(t, "EGAF00000000014", store.stableID)
}

func TestHandleRequiresSHA256Checksum(t *testing.T) {
	t.Parallel()

	w := &worker{db: &fakeStore{}}

	_, err := w.handle(context.Background(), []byte(`{
		"accession_id": "EGAF00000000014",
		"user": "dorothy@elixir-europe.org",
		"filepath": "sample.c4gh",
		"decrypted_checksums": [{"type": "md5", "value": "b5a2d2075f200552829ab0c3a056bf13"}]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256")
}

func TestHandleFailsWhenStoreFails(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("connection refused")}
	w := &worker{db: store}

	reply, err := w.handle(context.Background(), []byte(accessionBody))
	require.Error(t, err)
	assert.Nil(t, reply)
	assert.False(t, pipeline.IsUserError(err))
}
