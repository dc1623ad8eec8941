package xclone

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// uploads go to an S3-compatible bucket exposed by the backend. stored paths
// are folder-keyed by media kind; the folder segment is also how paths are
// classified back into kinds (see MediaKindForPath).

type StorageFolder string

const (
	FolderPostImages StorageFolder = "postImages"
	FolderPostVideos StorageFolder = "postVideos"
	FolderProfiles   StorageFolder = "profiles"
)

type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	Bucket          string
	// base url for public object access
	PublicUrl string
}

type StorageClient struct {
	config   *StorageConfig
	s3Client *s3.Client
}

func NewStorageClient(config *StorageConfig) *StorageClient {
	s3Client := s3.New(s3.Options{
		BaseEndpoint: aws.String(config.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			config.AccessKeyId,
			config.SecretAccessKey,
			"",
		),
		Region: config.Region,
	})

	return &StorageClient{
		config:   config,
		s3Client: s3Client,
	}
}

func folderForKind(kind MediaKind) StorageFolder {
	if kind == MediaKindImage {
		return FolderPostImages
	}
	return FolderPostVideos
}

func extensionForKind(kind MediaKind) string {
	if kind == MediaKindImage {
		return ".png"
	}
	return ".mp4"
}

func contentTypeForKind(kind MediaKind) string {
	if kind == MediaKindImage {
		return "image/*"
	}
	return "video/*"
}

// uploads a local file under the folder for its media kind and returns the
// stored path to substitute for the local reference
func (self *StorageClient) Upload(ctx context.Context, kind MediaKind, localPath string) (string, error) {
	return self.UploadToFolder(ctx, folderForKind(kind), kind, localPath)
}

// avatar uploads use the profiles folder
func (self *StorageClient) UploadAvatar(ctx context.Context, localPath string) (string, error) {
	return self.UploadToFolder(ctx, FolderProfiles, MediaKindImage, localPath)
}

func (self *StorageClient) UploadToFolder(ctx context.Context, folder StorageFolder, kind MediaKind, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("file upload failed: %w", err)
	}
	defer f.Close()

	storedPath := path.Join(string(folder), NewId().String()+extensionForKind(kind))

	_, err = self.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(self.config.Bucket),
		Key:         aws.String(storedPath),
		Body:        f,
		ContentType: aws.String(contentTypeForKind(kind)),
	})
	if err != nil {
		return "", fmt.Errorf("file upload failed: %w", err)
	}

	return storedPath, nil
}

// public url for a stored path. empty in, empty out.
func (self *StorageClient) PublicUrl(storedPath string) string {
	if storedPath == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", self.config.PublicUrl, storedPath)
}
