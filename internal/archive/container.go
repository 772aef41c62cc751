package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/serbia-gov/messagelog/internal/hashchain"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/ocsp"
	"github.com/serbia-gov/messagelog/internal/tsa"
)

const (
	manifestName   = "manifest.json"
	messageFile    = "message.bin"
	signatureFile  = "signature.bin"
	chainFile      = "hashchain.json"
	timestampFile  = "timestamp.tsr"
	formatVersion  = 1
	maxEntryLength = 256 << 20
)

// ErrCorrupt is returned by Verify when an archive does not replay.
var ErrCorrupt = errors.New("archive: container does not verify")

// ChainLink is the hashchain.json of one record: enough to recompute its
// step and follow the batch chain to the timestamped root.
type ChainLink struct {
	Algorithm         string   `json:"algorithm"`
	TimestampRecordID int64    `json:"timestamp_record_id"`
	Position          int      `json:"position"`
	PrevStep          []byte   `json:"prev_step"`
	SignatureDigest   []byte   `json:"signature_digest"`
	StepHash          []byte   `json:"step_hash"`
	Following         [][]byte `json:"following,omitempty"`
	RootHash          []byte   `json:"root_hash"`
}

// Entry is one record to be written into a container.
type Entry struct {
	Record    *domain.MessageRecord
	Timestamp *domain.TimestampRecord
	Link      ChainLink
	// Proof is the signer's OCSP response; nil when the record carries no
	// signer certificate.
	Proof *ocsp.Proof
}

// ManifestEntry locates one record inside the container.
type ManifestEntry struct {
	RecordID    int64  `json:"record_id"`
	QueryID     string `json:"query_id"`
	Dir         string `json:"dir"`
	SubjectKey  string `json:"subject_key,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	BodyOmitted bool   `json:"body_omitted,omitempty"`
	// Digest is the archive chain value after this entry.
	Digest []byte `json:"digest"`
}

// Manifest describes a container. Entries are in chain order.
type Manifest struct {
	Version       int             `json:"version"`
	UnitID        string          `json:"unit_id"`
	GroupName     string          `json:"group_name,omitempty"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
	HashAlgorithm string          `json:"hash_algorithm"`
	DigestOfFirst []byte          `json:"digest_of_first"`
	DigestOfLast  []byte          `json:"digest_of_last"`
	Entries       []ManifestEntry `json:"entries"`
	CreatedAt     time.Time       `json:"created_at"`
}

func recordDir(id int64) string {
	return fmt.Sprintf("records/%d/", id)
}

func proofPath(subjectKey string) string {
	return "ocsp/" + subjectKey + ".der"
}

// entryDigest is H(H(message) || H(signature) || H(hashchain.json) || H(token)).
func entryDigest(alg hashchain.Algorithm, parts ...[]byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range parts {
		d, err := hashchain.Digest(alg, p)
		if err != nil {
			return nil, err
		}
		buf.Write(d)
	}
	return hashchain.Digest(alg, buf.Bytes())
}

// WriteContainer writes entries to path atomically and completes unit with
// the record ids and DigestOfLast. unit.DigestOfFirst must already be set.
// Nothing is left at path when an error is returned.
func WriteContainer(path string, alg hashchain.Algorithm, unit *domain.ArchiveUnit, entries []*Entry) (*Manifest, error) {
	if len(entries) == 0 {
		return nil, errors.New("archive: no entries")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mlog-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp container: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	manifest := &Manifest{
		Version:       formatVersion,
		UnitID:        unit.ID.String(),
		GroupName:     unit.GroupName,
		PeriodStart:   unit.PeriodStart,
		PeriodEnd:     unit.PeriodEnd,
		HashAlgorithm: string(alg),
		DigestOfFirst: unit.DigestOfFirst,
		CreatedAt:     unit.CreatedAt,
	}

	zw := zip.NewWriter(tmp)
	modified := unit.CreatedAt
	put := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	prev := unit.DigestOfFirst
	proofs := map[string]bool{}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		r := e.Record
		link, err := json.MarshalIndent(e.Link, "", "  ")
		if err != nil {
			return nil, err
		}
		base := recordDir(r.ID)
		files := []struct {
			name string
			data []byte
		}{
			{messageFile, r.Message},
			{signatureFile, r.Signature},
			{chainFile, link},
			{timestampFile, e.Timestamp.Token},
		}
		for _, f := range files {
			if err := put(base+f.name, f.data); err != nil {
				return nil, fmt.Errorf("write %s%s: %w", base, f.name, err)
			}
		}

		d, err := entryDigest(alg, r.Message, r.Signature, link, e.Timestamp.Token)
		if err != nil {
			return nil, err
		}
		if prev, err = hashchain.Link(alg, prev, d); err != nil {
			return nil, err
		}

		me := ManifestEntry{
			RecordID:    r.ID,
			QueryID:     r.QueryID,
			Dir:         base,
			Truncated:   r.Truncated,
			BodyOmitted: r.BodyOmitted,
			Digest:      prev,
		}
		if e.Proof != nil {
			me.SubjectKey = e.Proof.SubjectKey
			if !proofs[e.Proof.SubjectKey] {
				if err := put(proofPath(e.Proof.SubjectKey), e.Proof.Response); err != nil {
					return nil, fmt.Errorf("write OCSP proof: %w", err)
				}
				proofs[e.Proof.SubjectKey] = true
			}
		}
		manifest.Entries = append(manifest.Entries, me)
		ids = append(ids, r.ID)
	}
	manifest.DigestOfLast = prev

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := put(manifestName, data); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish container: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync container: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("publish container: %w", err)
	}
	committed = true
	if err := syncDir(dir); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("sync archive directory: %w", err)
	}

	unit.RecordIDs = ids
	unit.DigestOfLast = prev
	return manifest, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Verify opens a container and replays it: every record's step against its
// signature, the batch chain up to the timestamped root, the token imprint,
// the presence of OCSP proofs and the archive digest chain.
func Verify(path string) (*Manifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	read := func(name string) ([]byte, error) {
		f, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrCorrupt, name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, maxEntryLength))
	}

	raw, err := read(manifestName)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	alg, err := hashchain.ParseAlgorithm(m.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	prev := m.DigestOfFirst
	for i, me := range m.Entries {
		message, err := read(me.Dir + messageFile)
		if err != nil {
			return nil, err
		}
		signature, err := read(me.Dir + signatureFile)
		if err != nil {
			return nil, err
		}
		linkJSON, err := read(me.Dir + chainFile)
		if err != nil {
			return nil, err
		}
		token, err := read(me.Dir + timestampFile)
		if err != nil {
			return nil, err
		}
		if me.SubjectKey != "" {
			if _, ok := files[proofPath(me.SubjectKey)]; !ok {
				return nil, fmt.Errorf("%w: record %d: missing OCSP proof", ErrCorrupt, me.RecordID)
			}
		}

		var link ChainLink
		if err := json.Unmarshal(linkJSON, &link); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, me.RecordID, err)
		}
		if err := verifyLink(&link, signature, token); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, me.RecordID, err)
		}

		d, err := entryDigest(alg, message, signature, linkJSON, token)
		if err != nil {
			return nil, err
		}
		if prev, err = hashchain.Link(alg, prev, d); err != nil {
			return nil, err
		}
		if !bytes.Equal(prev, me.Digest) {
			return nil, fmt.Errorf("%w: archive digest mismatch at entry %d", ErrCorrupt, i)
		}
	}
	if !bytes.Equal(prev, m.DigestOfLast) {
		return nil, fmt.Errorf("%w: digest of last entry mismatch", ErrCorrupt)
	}
	return &m, nil
}

func verifyLink(link *ChainLink, signature, token []byte) error {
	alg, err := hashchain.ParseAlgorithm(link.Algorithm)
	if err != nil {
		return err
	}
	digest, err := hashchain.Digest(alg, signature)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, link.SignatureDigest) {
		return errors.New("signature digest mismatch")
	}
	res, err := hashchain.Build(alg, link.PrevStep, append([][]byte{digest}, link.Following...))
	if err != nil {
		return err
	}
	if !bytes.Equal(res.Steps[0], link.StepHash) {
		return errors.New("step hash does not replay")
	}
	if !bytes.Equal(res.Root, link.RootHash) {
		return errors.New("batch chain does not reach the timestamped root")
	}
	if _, err := tsa.Verify(token, link.RootHash); err != nil {
		return fmt.Errorf("timestamp token: %w", err)
	}
	return nil
}
