package service

import (
	"context"
	"errors"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/storage"
)

type PublishKeyPackagesRequest struct {
	Blobs [][]byte `json:"blobs"`
}

type PublishKeyPackagesResponse struct {
	Accepted int    `json:"accepted"`
	PoolSize int    `json:"pool_size"`
	ServedBy string `json:"served_by"`
}

type FetchKeyPackagesRequest struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count,omitempty"`
}

// FetchedKeyPackage is one consumed handshake blob. The device id lets the
// fetcher address the right ratchet; the blob is returned exactly once.
type FetchedKeyPackage struct {
	DeviceID string `json:"device_id"`
	Blob     []byte `json:"blob"`
}

type FetchKeyPackagesResponse struct {
	UserID          string              `json:"user_id"`
	Packages        []FetchedKeyPackage `json:"packages"`
	ServedBy        string              `json:"served_by"`
	UserHomeGateway string              `json:"user_home_gateway"`
}

type RotateKeyPackagesRequest struct {
	Revoke       bool     `json:"revoke,omitempty"`
	Replacements [][]byte `json:"replacements,omitempty"`
}

type RotateKeyPackagesResponse struct {
	Revoked  int64  `json:"revoked"`
	PoolSize int    `json:"pool_size"`
	ServedBy string `json:"served_by"`
}

// [KEYPACKAGE_SERVICE] ONE-SHOT HANDSHAKE MATERIAL DIRECTORY
// Fetch consumption is transactional in storage; this layer adds caps,
// rate buckets and the federation metadata.
type KeyPackages interface {
	Publish(ctx context.Context, sess model.Session, req PublishKeyPackagesRequest) (PublishKeyPackagesResponse, error)
	Fetch(ctx context.Context, sess model.Session, req FetchKeyPackagesRequest) (FetchKeyPackagesResponse, error)
	Rotate(ctx context.Context, sess model.Session, req RotateKeyPackagesRequest) (RotateKeyPackagesResponse, error)
}

// [IMPLEMENTATION] PRIVATE TO ENFORCE INTERFACE USAGE
type KeyPackageService struct {
	store     *storage.Store
	limiter   *ratelimit.Limiter
	poolCap   int
	blobCap   int64
	gatewayID string
}

// NewKeyPackageService returns a production-ready instance of the service.
func NewKeyPackageService(store *storage.Store, limiter *ratelimit.Limiter, cfg *config.Config) *KeyPackageService {
	return &KeyPackageService{
		store:   store,
		limiter: limiter,
		poolCap: cfg.KeyPackagePoolCap,
		// Handshake blobs ride under the same opaque-payload cap as
		// envelopes.
		blobCap:   cfg.EnvelopeByteCap,
		gatewayID: cfg.GatewayID,
	}
}

func (k *KeyPackageService) Publish(ctx context.Context, sess model.Session, req PublishKeyPackagesRequest) (PublishKeyPackagesResponse, error) {
	if err := k.validateBlobs(req.Blobs); err != nil {
		return PublishKeyPackagesResponse{}, err
	}
	if err := k.limiter.Allow(ratelimit.OpSocial, string(sess.DeviceID)); err != nil {
		return PublishKeyPackagesResponse{}, err
	}
	if err := k.store.PublishKeyPackages(ctx, sess.DeviceID, sess.UserID, req.Blobs, k.poolCap); err != nil {
		return PublishKeyPackagesResponse{}, mapKeyPackageErr(err)
	}
	size, err := k.store.KeyPackagePoolSize(ctx, sess.DeviceID)
	if err != nil {
		return PublishKeyPackagesResponse{}, err
	}
	return PublishKeyPackagesResponse{
		Accepted: len(req.Blobs),
		PoolSize: size,
		ServedBy: k.gatewayID,
	}, nil
}

func (k *KeyPackageService) Fetch(ctx context.Context, sess model.Session, req FetchKeyPackagesRequest) (FetchKeyPackagesResponse, error) {
	if !model.ValidID(req.UserID) {
		return FetchKeyPackagesResponse{}, wire.Invalid("malformed user_id")
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	if count > k.poolCap {
		count = k.poolCap
	}
	if err := k.limiter.Allow(ratelimit.OpKPFetch, string(sess.DeviceID)); err != nil {
		return FetchKeyPackagesResponse{}, err
	}

	// Exhaustion is not an error: the caller gets whatever remains,
	// possibly nothing, and decides how to proceed.
	pkgs, err := k.store.ConsumeKeyPackages(ctx, model.UserID(req.UserID), count)
	if err != nil {
		return FetchKeyPackagesResponse{}, err
	}
	out := make([]FetchedKeyPackage, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, FetchedKeyPackage{DeviceID: string(p.DeviceID), Blob: p.Blob})
	}
	return FetchKeyPackagesResponse{
		UserID:          req.UserID,
		Packages:        out,
		ServedBy:        k.gatewayID,
		UserHomeGateway: k.gatewayID,
	}, nil
}

func (k *KeyPackageService) Rotate(ctx context.Context, sess model.Session, req RotateKeyPackagesRequest) (RotateKeyPackagesResponse, error) {
	if len(req.Replacements) > 0 {
		if err := k.validateBlobs(req.Replacements); err != nil {
			return RotateKeyPackagesResponse{}, err
		}
	}
	if err := k.limiter.Allow(ratelimit.OpSocial, string(sess.DeviceID)); err != nil {
		return RotateKeyPackagesResponse{}, err
	}
	revoked, err := k.store.RotateKeyPackages(ctx, sess.DeviceID, sess.UserID, req.Revoke, req.Replacements, k.poolCap)
	if err != nil {
		return RotateKeyPackagesResponse{}, mapKeyPackageErr(err)
	}
	size, err := k.store.KeyPackagePoolSize(ctx, sess.DeviceID)
	if err != nil {
		return RotateKeyPackagesResponse{}, err
	}
	return RotateKeyPackagesResponse{
		Revoked:  revoked,
		PoolSize: size,
		ServedBy: k.gatewayID,
	}, nil
}

func (k *KeyPackageService) validateBlobs(blobs [][]byte) error {
	if len(blobs) == 0 {
		return wire.Invalid("no keypackage blobs")
	}
	for _, b := range blobs {
		if len(b) == 0 {
			return wire.Invalid("empty keypackage blob")
		}
		if int64(len(b)) > k.blobCap {
			return wire.Invalid("keypackage blob exceeds byte cap")
		}
	}
	return nil
}

func mapKeyPackageErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrPoolFull):
		return wire.Invalid("keypackage pool is full")
	case errors.Is(err, storage.ErrDuplicateBlob):
		return wire.Invalid("duplicate keypackage blob")
	}
	return err
}
