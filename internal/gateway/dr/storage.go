package dr

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/blobstore"
)

const defaultMimeType = "application/octet-stream"

// Fetch loads every referenced document from store. Up to limit fetches
// run at once; results keep the order of refs. A single failure fails the
// whole set with ihe.ErrStorageFetch.
func Fetch(ctx context.Context, store blobstore.ObjectStore, bucket string, refs []ihe.DocumentReference, limit int) ([]ihe.RetrievedDocument, error) {
	const op = "dr.Fetch"
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	docs := make([]ihe.RetrievedDocument, len(refs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			key, hint, err := resolveKey(ctx, store, bucket, ref)
			if err != nil {
				return err
			}
			data, err := store.GetObject(ctx, bucket, key)
			if err != nil {
				return fmt.Errorf("document %s: %w", ref.DocUniqueID, err)
			}
			docs[i] = ihe.RetrievedDocument{
				Reference: ref,
				MimeType:  mimeType(ref.ContentType, hint, key),
				Content:   data,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ihe.Wrap(ihe.ErrStorageFetch, op, err)
	}
	return docs, nil
}

// resolveKey finds the object holding ref. An explicit FileName is used
// as is; otherwise the bucket is listed by document unique id and only a
// key equal to it is accepted.
func resolveKey(ctx context.Context, store blobstore.ObjectStore, bucket string, ref ihe.DocumentReference) (string, string, error) {
	if ref.FileName != "" {
		return ref.FileName, "", nil
	}
	id := ihe.StripURNPrefix(ref.DocUniqueID)
	objects, err := store.ListObjects(ctx, bucket, id)
	if err != nil {
		return "", "", fmt.Errorf("list %s: %w", id, err)
	}
	for _, o := range objects {
		if o.Key == id {
			return o.Key, o.ContentType, nil
		}
	}
	return "", "", fmt.Errorf("document %s: %w", id, blobstore.ErrObjectNotFound)
}

// mimeType picks the declared type, then the stored one, then the key's
// extension.
func mimeType(declared, stored, key string) string {
	for _, t := range []string{declared, stored, mime.TypeByExtension(path.Ext(key))} {
		if t == "" {
			continue
		}
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return defaultMimeType
}

// DocumentKey is where a retrieved document for patientID is stored.
func DocumentKey(patientID string, ref ihe.DocumentReference, mimeType string) string {
	id := strings.NewReplacer("/", "_", ":", "_").Replace(ihe.StripURNPrefix(ref.DocUniqueID))
	ext := ""
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return path.Join(patientID, id+ext)
}

// StoreRetrieved saves each document under DocumentKey. Documents already
// present are left untouched and reported with New set to false.
func StoreRetrieved(ctx context.Context, store blobstore.ObjectStore, bucket, patientID string, docs []ihe.RetrievedDocument) ([]StoredDocument, error) {
	out := make([]StoredDocument, 0, len(docs))
	for _, d := range docs {
		key := DocumentKey(patientID, d.Reference, d.MimeType)
		ref := d.Reference
		ref.FileName = key
		ref.ContentType = d.MimeType
		ref.Size = int64(len(d.Content))
		ref.URL = "s3://" + bucket + "/" + key

		_, err := store.StatObject(ctx, bucket, key)
		switch {
		case err == nil:
			out = append(out, StoredDocument{Reference: ref, Key: key})
			continue
		case !blobstore.IsNotFound(err):
			return out, fmt.Errorf("stat %s: %w", key, err)
		}
		if _, err := store.PutObject(ctx, bucket, key, d.Content, d.MimeType); err != nil {
			return out, fmt.Errorf("store %s: %w", key, err)
		}
		out = append(out, StoredDocument{Reference: ref, Key: key, New: true})
	}
	return out, nil
}
