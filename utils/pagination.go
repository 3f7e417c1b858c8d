package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// PageCount returns how many pages of size hold n items. There is always at
// least one page.
func PageCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 1
	}
	return (n + size - 1) / size
}

// ClampPage keeps page within [0, pages).
func ClampPage(page, pages int) int {
	if page >= pages {
		page = pages - 1
	}
	if page < 0 {
		page = 0
	}
	return page
}

// CreatePaginationComponents creates previous/next buttons for a zero-based
// page. The custom IDs are "<prefix>:<page>". Nothing is returned for a
// single page.
func CreatePaginationComponents(customIDPrefix string, page, pages int) []discordgo.MessageComponent {
	if pages <= 1 {
		return nil
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "上一页",
					Style:    discordgo.PrimaryButton,
					Disabled: page <= 0,
					CustomID: fmt.Sprintf("%s:%d", customIDPrefix, page-1),
				},
				discordgo.Button{
					Label:    fmt.Sprintf("%d / %d", page+1, pages),
					Style:    discordgo.SecondaryButton,
					Disabled: true,
					CustomID: customIDPrefix + ":current",
				},
				discordgo.Button{
					Label:    "下一页",
					Style:    discordgo.PrimaryButton,
					Disabled: page >= pages-1,
					CustomID: fmt.Sprintf("%s:%d", customIDPrefix, page+1),
				},
			},
		},
	}
}

// ParsePageID splits a custom ID built by CreatePaginationComponents.
func ParsePageID(customID string) (prefix string, page int, ok bool) {
	idx := strings.LastIndex(customID, ":")
	if idx < 0 {
		return "", 0, false
	}
	page, err := strconv.Atoi(customID[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return customID[:idx], page, true
}
