// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package writer

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/seafowldb/seafowl/internal/syncerr"
	"github.com/seafowldb/seafowl/internal/syncmodel"
)

type fakeAPIError struct{ code string }

func (e fakeAPIError) Error() string      { return e.code }
func (e fakeAPIError) ErrorCode() string  { return e.code }
func (e fakeAPIError) ErrorMessage() string { return e.code }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

type fakeS3 struct {
	objects map[string][]byte
	etags   map[string]string
	nextTag int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, etags: map[string]string{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	body, ok := f.objects[key]
	if !ok {
		return nil, fakeAPIError{code: "NoSuchKey"}
	}
	tag := f.etags[key]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body)), ETag: aws.String(tag)}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	_, exists := f.objects[key]

	if in.IfNoneMatch != nil && exists {
		return nil, fakeAPIError{code: "PreconditionFailed"}
	}
	if in.IfMatch != nil && f.etags[key] != aws.ToString(in.IfMatch) {
		return nil, fakeAPIError{code: "PreconditionFailed"}
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = body
	f.nextTag++
	tag := itoa(f.nextTag)
	f.etags[key] = tag
	return &s3.PutObjectOutput{ETag: aws.String(tag)}, nil
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	out := make([]byte, 0, 4)
	for n > 0 {
		out = append([]byte{digits[n%10]}, out...)
		n /= 10
	}
	return string(out)
}

func tid(path string) syncmodel.TargetIdent {
	return syncmodel.TargetIdent{TablePath: path, Store: syncmodel.StorageLocation{Name: "s3"}}
}

func TestObjectStoreOpenMissingTableIsEmpty(t *testing.T) {
	f := NewObjectStoreFormat(newFakeS3(), "bucket")
	state, err := f.Open(context.Background(), tid("t"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), state.Version)
	require.Empty(t, state.Schema)
}

func TestObjectStoreCommitCreatesThenAppends(t *testing.T) {
	api := newFakeS3()
	f := NewObjectStoreFormat(api, "bucket")
	target := tid("t")

	state, err := f.Open(context.Background(), target)
	require.NoError(t, err)

	state, err = f.Commit(context.Background(), target, state,
		[]syncmodel.SquashedBatch{{Changes: []syncmodel.RowChange{
			{Op: syncmodel.OpInsert, Key: []byte("1"), Payload: map[string]any{"v": "a"}},
		}}}, map[string]uint64{"o": 1})
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.Version)

	state, err = f.Open(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.Version)

	state, err = f.Commit(context.Background(), target, state,
		[]syncmodel.SquashedBatch{{Changes: []syncmodel.RowChange{
			{Op: syncmodel.OpInsert, Key: []byte("2"), Payload: map[string]any{"v": "b"}},
		}}}, map[string]uint64{"o": 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), state.Version)

	raw := api.objects[manifestKey(target)]
	var m manifest
	require.NoError(t, msgpack.Unmarshal(raw, &m))
	require.Len(t, m.Rows, 2)
	require.Equal(t, uint64(2), m.OriginSeq["o"])
}

func TestObjectStoreCommitConflictOnStaleVersion(t *testing.T) {
	api := newFakeS3()
	f := NewObjectStoreFormat(api, "bucket")
	target := tid("t")

	stale, err := f.Open(context.Background(), target)
	require.NoError(t, err)

	_, err = f.Commit(context.Background(), target, stale,
		[]syncmodel.SquashedBatch{{Changes: []syncmodel.RowChange{
			{Op: syncmodel.OpInsert, Key: []byte("1"), Payload: map[string]any{"v": "a"}},
		}}}, nil)
	require.NoError(t, err)

	_, err = f.Commit(context.Background(), target, stale,
		[]syncmodel.SquashedBatch{{Changes: []syncmodel.RowChange{
			{Op: syncmodel.OpInsert, Key: []byte("2"), Payload: map[string]any{"v": "b"}},
		}}}, nil)
	require.Error(t, err)
	se, ok := syncerr.As(err)
	require.True(t, ok)
	require.Equal(t, syncerr.KindCommitConflict, se.Kind())
}

func TestObjectStoreUpdateRewritesPK(t *testing.T) {
	api := newFakeS3()
	f := NewObjectStoreFormat(api, "bucket")
	target := tid("t")

	state, _ := f.Open(context.Background(), target)
	state, err := f.Commit(context.Background(), target, state,
		[]syncmodel.SquashedBatch{{Changes: []syncmodel.RowChange{
			{Op: syncmodel.OpInsert, Key: []byte("1"), Payload: map[string]any{"v": "a"}},
		}}}, nil)
	require.NoError(t, err)

	_, err = f.Commit(context.Background(), target, state,
		[]syncmodel.SquashedBatch{{Changes: []syncmodel.RowChange{
			{Op: syncmodel.OpUpdate, Key: []byte("2"), FromKey: []byte("1"), Payload: map[string]any{"v": "b"}},
		}}}, nil)
	require.NoError(t, err)

	raw := api.objects[manifestKey(target)]
	var m manifest
	require.NoError(t, msgpack.Unmarshal(raw, &m))
	require.NotContains(t, m.Rows, "1")
	require.Contains(t, m.Rows, "2")
	require.Equal(t, "b", m.Rows["2"]["v"])
}
