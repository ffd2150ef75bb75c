package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/semmidev/custos/internal/config"
)

const archiveMimeType = "application/gzip"

type GDriveStorage struct {
	service  *drive.Service
	folderID string
}

// NewGDrive authenticates with a service account key, or, when a token file
// is configured, with an OAuth client secret plus a stored user token.
func NewGDrive(ctx context.Context, cfg *config.UploadTarget) (*GDriveStorage, error) {
	opts := []option.ClientOption{option.WithScopes(drive.DriveFileScope)}

	if cfg.TokenFile != "" {
		ts, err := userTokenSource(ctx, cfg.CredentialsFile, cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(ts))
	} else {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &GDriveStorage{
		service:  service,
		folderID: cfg.FolderID,
	}, nil
}

func (g *GDriveStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	metadata := &drive.File{
		Name:     remoteName,
		MimeType: archiveMimeType,
	}
	if g.folderID != "" {
		metadata.Parents = []string{g.folderID}
	}

	_, err = g.service.Files.Create(metadata).
		Media(file).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to upload to gdrive: %w", err)
	}

	return nil
}

func (g *GDriveStorage) List(ctx context.Context) ([]string, error) {
	files, err := g.find(ctx, g.query(), "files(id, name)")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return names(files), nil
}

func (g *GDriveStorage) Delete(ctx context.Context, remoteName string) error {
	q := g.query() + fmt.Sprintf(" and name = '%s'", escapeQuery(remoteName))

	files, err := g.find(ctx, q, "files(id)")
	if err != nil {
		return fmt.Errorf("failed to find file: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("file not found: %s", remoteName)
	}

	for _, f := range files {
		if err := g.service.Files.Delete(f.Id).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
	}

	return nil
}

func (g *GDriveStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	q := g.query() + fmt.Sprintf(" and createdTime < '%s'", cutoffTime.UTC().Format(time.RFC3339))

	files, err := g.find(ctx, q, "files(id, name)")
	if err != nil {
		return nil, fmt.Errorf("failed to list old files: %w", err)
	}
	return names(files), nil
}

func (g *GDriveStorage) find(ctx context.Context, q, fields string) ([]*drive.File, error) {
	var files []*drive.File

	err := g.service.Files.List().
		Q(q).
		Fields("nextPageToken", googleapi.Field(fields)).
		PageSize(1000).
		Pages(ctx, func(page *drive.FileList) error {
			files = append(files, page.Files...)
			return nil
		})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func (g *GDriveStorage) query() string {
	q := fmt.Sprintf("mimeType = '%s' and trashed = false", archiveMimeType)
	if g.folderID != "" {
		q = fmt.Sprintf("'%s' in parents and ", escapeQuery(g.folderID)) + q
	}
	return q
}

func names(files []*drive.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

func userTokenSource(ctx context.Context, secretFile, tokenFile string) (oauth2.TokenSource, error) {
	secret, err := os.ReadFile(secretFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret: %w", err)
	}

	oauthCfg, err := google.ConfigFromJSON(secret, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret: %w", err)
	}

	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read token file: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("unable to parse token file: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has no refresh token", tokenFile)
	}

	return oauthCfg.TokenSource(ctx, &tok), nil
}

// escapeQuery escapes a value for a single-quoted Drive query literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
