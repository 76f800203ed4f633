package ociregistry

import (
	"io"
	"sync"

	ecr "github.com/awslabs/amazon-ecr-credential-helper/ecr-login"
	"github.com/chrismellard/docker-credential-acr-env/pkg/credhelper"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/authn/github"
	"github.com/google/go-containerregistry/pkg/v1/google"
)

var (
	amazonKeychain = sync.OnceValue(func() authn.Keychain {
		return authn.NewKeychainFromHelper(ecr.NewECRHelper(ecr.WithLogger(io.Discard)))
	})
	azureKeychain = sync.OnceValue(func() authn.Keychain {
		return authn.NewKeychainFromHelper(credhelper.NewACRCredentialsHelper())
	})
)

// Keychain returns the multi-keychain every Client authenticates with by
// default: the default Docker config keychain plus provider-specific
// helpers for GCR, GitHub Container Registry, ECR, and ACR.
func Keychain() authn.Keychain {
	return authn.NewMultiKeychain(
		authn.DefaultKeychain,
		google.Keychain,
		github.Keychain,
		amazonKeychain(),
		azureKeychain(),
	)
}
