package xclone

import (
	"context"
	"errors"
	"fmt"
)

// profile edit. the cached session snapshot is refreshed only after the
// update round trip succeeds.

type EditProfileArgs struct {
	Name        string
	Bio         string
	PhoneNumber string
	Address     string
	// either an already stored path, or empty when LocalImagePath is set
	Image string
	// a not-yet-uploaded avatar; uploaded before the row is submitted
	LocalImagePath string
}

func (self *EditProfileArgs) validate() error {
	missing := []string{}
	if self.Name == "" {
		missing = append(missing, "name")
	}
	if self.Bio == "" {
		missing = append(missing, "bio")
	}
	if self.PhoneNumber == "" {
		missing = append(missing, "phoneNumber")
	}
	if self.Address == "" {
		missing = append(missing, "address")
	}
	if self.Image == "" && self.LocalImagePath == "" {
		missing = append(missing, "image")
	}
	if 0 < len(missing) {
		return fmt.Errorf("please fill all the fields: %v", missing)
	}
	return nil
}

type ProfileEditor struct {
	api     *XCloneApi
	storage *StorageClient
	auth    *AuthClient
}

func NewProfileEditor(api *XCloneApi, storage *StorageClient, auth *AuthClient) *ProfileEditor {
	return &ProfileEditor{
		api:     api,
		storage: storage,
		auth:    auth,
	}
}

// validates before any request is made, uploads a local avatar if present,
// submits the row, and refreshes the session's profile snapshot
func (self *ProfileEditor) Update(ctx context.Context, args *EditProfileArgs) (*Profile, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}

	session := self.auth.Session()
	if session == nil {
		return nil, errors.New("not signed in")
	}

	image := args.Image
	if args.LocalImagePath != "" {
		if self.storage == nil {
			return nil, errors.New("no storage client configured")
		}
		storedPath, err := self.storage.UploadAvatar(ctx, args.LocalImagePath)
		if err != nil {
			return nil, err
		}
		image = storedPath
	}

	result, err := self.api.UpdateUserDataSync(&UpdateUserDataArgs{
		UserId:      session.UserId,
		Name:        args.Name,
		Image:       image,
		Bio:         args.Bio,
		PhoneNumber: args.PhoneNumber,
		Address:     args.Address,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, errors.New(result.Error.Message)
	}

	return self.auth.RefreshProfile(), nil
}
