package storage

import (
	"fmt"
	"path"
	"strings"
)

// PathGenerator produces the canonical directory layout for promoted media:
//
//	tenants/{tenant}/users/{owner}/{collection}/{uuid}/{collection}-{hash}.{ext}
//	tenants/{tenant}/users/{owner}/{collection}/{uuid}/conversions/{name}.{ext}
//	tenants/{tenant}/users/{owner}/{collection}/{uuid}/responsive-images/...
//
// Cleanup walks the same layout, so every disk shares one generator.
type PathGenerator struct{}

// MediaRoot is the per-media directory holding original and derived files.
func (PathGenerator) MediaRoot(tenantID, ownerID, collection, mediaUUID string) string {
	return path.Join("tenants", tenantID, "users", ownerID, collection, mediaUUID)
}

// OwnerRoot is the owner's directory for one collection; its subdirectories
// are media UUIDs.
func (PathGenerator) OwnerRoot(tenantID, ownerID, collection string) string {
	return path.Join("tenants", tenantID, "users", ownerID, collection)
}

// OriginalPath locates the promoted original file.
func (g PathGenerator) OriginalPath(tenantID, ownerID, collection, mediaUUID, fileName string) string {
	return path.Join(g.MediaRoot(tenantID, ownerID, collection, mediaUUID), fileName)
}

// ConversionsDir holds generated conversions for one media.
func (g PathGenerator) ConversionsDir(tenantID, ownerID, collection, mediaUUID string) string {
	return path.Join(g.MediaRoot(tenantID, ownerID, collection, mediaUUID), "conversions")
}

// ConversionPath locates one named conversion.
func (g PathGenerator) ConversionPath(tenantID, ownerID, collection, mediaUUID, name, ext string) string {
	return path.Join(g.ConversionsDir(tenantID, ownerID, collection, mediaUUID), name+"."+strings.TrimPrefix(ext, "."))
}

// ResponsiveDir holds responsive image variants for one media.
func (g PathGenerator) ResponsiveDir(tenantID, ownerID, collection, mediaUUID string) string {
	return path.Join(g.MediaRoot(tenantID, ownerID, collection, mediaUUID), "responsive-images")
}

// FileName builds the content-addressed original file name.
func FileName(collection, contentHash, ext string) string {
	return fmt.Sprintf("%s-%s.%s", collection, contentHash, strings.TrimPrefix(ext, "."))
}
