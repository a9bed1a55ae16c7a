package source

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

type namedSource string

func (n namedSource) OpenRange(context.Context, *transfer.Descriptor, int64, int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(n))), nil
}

func TestRouter(t *testing.T) {
	r := &Router{HTTP: namedSource("http"), Blob: namedSource("blob")}

	tests := []struct {
		name string
		desc transfer.Descriptor
		want string
	}{
		{name: "bucket", desc: transfer.Descriptor{Bucket: "sra-pub-run-odp", Key: "sra/SRR1/SRR1"}, want: "blob"},
		{name: "url", desc: transfer.Descriptor{URL: "https://ftp.sra.ebi.ac.uk/vol1/x.fastq.gz"}, want: "http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := r.OpenRange(context.Background(), &tt.desc, 0, 1)
			require.NoError(t, err)

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := r.OpenRange(context.Background(), &transfer.Descriptor{ID: "x"}, 0, 1)
	require.Error(t, err)

	_, err = (&Router{HTTP: namedSource("http")}).OpenRange(context.Background(), &transfer.Descriptor{Bucket: "b", Key: "k"}, 0, 1)
	require.Error(t, err)
}

func TestS3Conversions(t *testing.T) {
	bucket, key, err := ParseS3URI("s3://sra-pub-run-odp/sra/SRR123/SRR123")
	require.NoError(t, err)
	assert.Equal(t, "sra-pub-run-odp", bucket)
	assert.Equal(t, "sra/SRR123/SRR123", key)

	https, err := S3ToHTTPS("s3://sra-pub-run-odp/sra/SRR123/SRR123")
	require.NoError(t, err)
	assert.Equal(t, "https://sra-pub-run-odp.s3.amazonaws.com/sra/SRR123/SRR123", https)

	uri, ok := HTTPSToS3(https)
	require.True(t, ok)
	assert.Equal(t, "s3://sra-pub-run-odp/sra/SRR123/SRR123", uri)

	_, ok = HTTPSToS3("https://ftp.sra.ebi.ac.uk/vol1/x")
	assert.False(t, ok)

	for _, bad := range []string{"https://x/y", "s3://bucket", "s3:///key", "::"} {
		_, _, err := ParseS3URI(bad)
		assert.Error(t, err, bad)
	}
}
