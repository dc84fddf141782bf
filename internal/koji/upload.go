package koji

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"net/url"
	"strconv"

	"github.com/kolo/xmlrpc"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/session"
	"github.com/fedora-packager/hubclient/internal/transport"
)

type uploadReply struct {
	Size      int    `xmlrpc:"size"`
	HexDigest string `xmlrpc:"hexdigest"`
}

// uploadChunk uploads a byte slice to a given filepath/filname at a given offset
func (k *Client) uploadChunk(ctx context.Context, conn *transport.Conn, s *session.Session, chunk []byte, filepath, filename string, offset uint64) error {
	const op = "upload chunk"

	// The upload is an XML-RPC call whose body is the raw payload, so all
	// parameters travel in the URL. The reply is a regular XML-RPC response.
	u, err := k.endpoint(k.server, s, url.Values{
		"filepath":   {filepath},
		"filename":   {filename},
		"offset":     {strconv.FormatUint(offset, 10)},
		"fileverify": {"adler32"},
	})
	if err != nil {
		return err
	}

	resp, err := conn.Do(ctx, &transport.Request{
		Op:          op,
		URL:         u,
		Body:        chunk,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		var ce *clienterrors.Error
		if errors.As(err, &ce) {
			ce.URL = k.server
		}
		return err
	}
	if !resp.OK() {
		return clienterrors.TransportStatus(op, k.server, resp.StatusCode, resp.Reason)
	}

	fault, err := responseFault("uploadFile", resp.Body)
	if err != nil {
		return clienterrors.Deserialization(op, k.server, "cannot decode fault", err)
	}
	if fault != nil {
		if fault.SessionFault() {
			return clienterrors.Session(op, k.server, 0, fault.String, fault)
		}
		return fault
	}

	var reply uploadReply
	err = xmlrpc.Response(resp.Body).Unmarshal(&reply)
	if err != nil {
		return clienterrors.Deserialization(op, k.server, "cannot unmarshal the xmlrpc response", err)
	}

	if reply.Size != len(chunk) {
		return clienterrors.Transport(op, k.server, fmt.Errorf("sent a chunk of %d bytes, but server got %d bytes", len(chunk), reply.Size))
	}

	digest := fmt.Sprintf("%08x", adler32.Checksum(chunk))
	if reply.HexDigest != digest {
		return clienterrors.Transport(op, k.server, fmt.Errorf("sent a chunk with Adler32 digest %s, but server computed digest %s", digest, reply.HexDigest))
	}

	return nil
}

// Upload uploads file to the temporary filepath on the hub under the name
// filename. The md5sum and size of the file is returned on success.
func (k *Client) Upload(ctx context.Context, s *session.Session, file io.Reader, filepath, filename string) (string, uint64, error) {
	conn, err := sessionConn("upload", s)
	if err != nil {
		return "", 0, err
	}

	chunkSize := k.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunk := make([]byte, chunkSize)
	offset := uint64(0)
	hash := md5.New()
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, clienterrors.Cancelled("upload", err)
		}

		n, err := io.ReadFull(file, chunk)
		if n > 0 {
			if uerr := k.uploadChunk(ctx, conn, s, chunk[:n], filepath, filename, offset); uerr != nil {
				return "", 0, uerr
			}
			offset += uint64(n)
			// hash.Hash never returns an error
			_, _ = hash.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("cannot read upload %s: %w", filename, err)
		}
	}

	k.log.WithFields(logrus.Fields{"path": filepath, "file": filename, "size": offset}).Info("uploaded file to hub")
	return fmt.Sprintf("%x", hash.Sum(nil)), offset, nil
}
