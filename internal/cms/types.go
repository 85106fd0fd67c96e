package cms

// AssetRef is a Sanity reference to an uploaded asset.
type AssetRef struct {
	Ref              string `json:"_ref"`
	Type             string `json:"_type,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
}

// AssetMetadata is the dereferenced part of an image asset we query for.
type AssetMetadata struct {
	OriginalFilename string `json:"originalFilename"`
}

// ProjectImage is one image inside a project document.
type ProjectImage struct {
	Asset         *AssetRef      `json:"asset"`
	AssetMetadata *AssetMetadata `json:"assetMetadata,omitempty"`
	Title         string         `json:"title,omitempty"`
	Color         string         `json:"color,omitempty"`
}

// FileAsset is a dereferenced file asset, used for project PDFs.
type FileAsset struct {
	ID               string `json:"_id"`
	URL              string `json:"url"`
	OriginalFilename string `json:"originalFilename"`
}

type ProjectPDF struct {
	Asset *FileAsset `json:"asset"`
}

// Project is a portfolio project document.
type Project struct {
	Title  string         `json:"title"`
	Client string         `json:"client,omitempty"`
	Year   int            `json:"year"`
	Images []ProjectImage `json:"images"`
	PDF    *ProjectPDF    `json:"pdf,omitempty"`
}

const (
	projectsQuery = `*[_type == "project"] | order(year desc) {
  title,
  client,
  year,
  images[] {
    asset,
    "assetMetadata": asset-> {
      originalFilename
    },
    title
  }
}`

	commercialQuery = `*[_type == "project"] | order(year desc) {
  title,
  client,
  year,
  images[] {
    asset,
    "assetMetadata": asset-> {
      originalFilename
    },
    title
  },
  pdf {
    asset-> {
      _id,
      url,
      originalFilename
    }
  }
}`
)
