package identity

import (
	"sort"
	"strings"

	"mls_sync/models"
)

// PhotoURLs orders a manifest's photos by Order, keeping one URL per
// position and dropping duplicates. Within a position the preferredSize
// variant wins, then the lowest URL, so the result does not depend on the
// order the feed listed the items in.
func PhotoURLs(items []models.MediaItem, preferredSize string) []string {
	byOrder := make(map[int]models.MediaItem)
	for _, item := range items {
		if item.URL == "" || !isPhoto(item) {
			continue
		}
		current, ok := byOrder[item.Order]
		if !ok {
			byOrder[item.Order] = item
			continue
		}
		rank, currentRank := sizeRank(item, preferredSize), sizeRank(current, preferredSize)
		if rank > currentRank || (rank == currentRank && item.URL < current.URL) {
			byOrder[item.Order] = item
		}
	}

	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	sort.Ints(orders)

	seen := make(map[string]bool, len(orders))
	urls := make([]string, 0, len(orders))
	for _, o := range orders {
		u := byOrder[o].URL
		if seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func sizeRank(item models.MediaItem, preferredSize string) int {
	if preferredSize != "" && strings.EqualFold(item.SizeLabel, preferredSize) {
		return 1
	}
	return 0
}

func isPhoto(item models.MediaItem) bool {
	switch strings.ToLower(item.Category) {
	case "", "photo", "photos", "image":
		return true
	}
	return false
}
