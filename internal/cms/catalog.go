package cms

import (
	"path"
	"sort"
	"strings"

	"github.com/local/cratere/internal/designer"
)

// Untitled is shown for images with no usable title or filename.
const Untitled = "Untitled"

// Flatten lists every image of every project in CMS order with a running
// 1-based index. Images without an asset are skipped.
func Flatten(projects []Project) []designer.Image {
	var out []designer.Image
	idx := 1
	for _, p := range projects {
		for _, img := range p.Images {
			if img.Asset == nil || img.Asset.Ref == "" {
				continue
			}
			out = append(out, designer.Image{
				AssetRef:         img.Asset.Ref,
				Title:            img.Title,
				Year:             p.Year,
				Index:            idx,
				OriginalFilename: originalFilename(img),
			})
			idx++
		}
	}
	return out
}

// SortBySubject orders images by display title, case-insensitively, and
// re-indexes them from 1. The sort is stable so equal subjects keep CMS order.
func SortBySubject(imgs []designer.Image) {
	sort.SliceStable(imgs, func(i, j int) bool {
		return strings.ToLower(DisplayTitle(imgs[i])) < strings.ToLower(DisplayTitle(imgs[j]))
	})
	for i := range imgs {
		imgs[i].Index = i + 1
	}
}

// DisplayTitle is the image's own title, or one derived from its filename.
func DisplayTitle(img designer.Image) string {
	if t := strings.TrimSpace(img.Title); t != "" {
		return t
	}
	name := img.OriginalFilename
	if name == "" {
		// image-<id>-<w>x<h>-<ext>: the last segment is all that is left
		if i := strings.LastIndex(img.AssetRef, "-"); i >= 0 {
			name = img.AssetRef[i+1:]
		}
	}
	return TitleFromFilename(name)
}

// TitleFromFilename turns "Etna_at_dawn-blue.jpg" into "Etna at dawn": the
// extension and the trailing colour segment are dropped, underscores become spaces.
func TitleFromFilename(name string) string {
	if name == "" {
		return Untitled
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	if i := strings.LastIndex(name, "-"); i >= 0 {
		name = name[:i]
	}
	t := strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if t == "" {
		return Untitled
	}
	return t
}

func originalFilename(img ProjectImage) string {
	if img.AssetMetadata != nil && img.AssetMetadata.OriginalFilename != "" {
		return img.AssetMetadata.OriginalFilename
	}
	if img.Asset != nil {
		return img.Asset.OriginalFilename
	}
	return ""
}
