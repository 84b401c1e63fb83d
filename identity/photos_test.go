package identity

import (
	"slices"
	"testing"

	"mls_sync/models"
)

func TestPhotoURLs(t *testing.T) {
	items := []models.MediaItem{
		{URL: "https://cdn/3-thumb.jpg", Order: 3, Category: "Photo", SizeLabel: "Thumbnail"},
		{URL: "https://cdn/3-large.jpg", Order: 3, Category: "Photo", SizeLabel: "Largest"},
		{URL: "https://cdn/1.jpg", Order: 1, Category: "Photo", SizeLabel: "Largest"},
		{URL: "https://cdn/tour.pdf", Order: 2, Category: "Document"},
		{URL: "https://cdn/1.jpg", Order: 4, Category: "Photo"},
		{URL: "", Order: 5},
	}

	got := PhotoURLs(items, "Largest")
	want := []string{"https://cdn/1.jpg", "https://cdn/3-large.jpg"}
	if !slices.Equal(got, want) {
		t.Errorf("PhotoURLs = %v, want %v", got, want)
	}
}

func TestPhotoURLsIgnoresManifestOrder(t *testing.T) {
	items := []models.MediaItem{
		{URL: "https://cdn/2-b.jpg", Order: 2, Category: "Photo", SizeLabel: "Medium"},
		{URL: "https://cdn/1.jpg", Order: 1, Category: "Photo"},
		{URL: "https://cdn/2-a.jpg", Order: 2, Category: "Photo", SizeLabel: "Thumbnail"},
	}
	reversed := slices.Clone(items)
	slices.Reverse(reversed)

	a, b := PhotoURLs(items, ""), PhotoURLs(reversed, "")
	if !slices.Equal(a, b) {
		t.Fatalf("order-dependent result: %v vs %v", a, b)
	}
	if want := []string{"https://cdn/1.jpg", "https://cdn/2-a.jpg"}; !slices.Equal(a, want) {
		t.Errorf("PhotoURLs = %v, want %v", a, want)
	}
}
