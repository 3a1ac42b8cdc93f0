package main

import (
	"crypto/rand"
	"fmt"
)

const (
	defaultBoardSize = 18
	defaultChatLimit = 500
)

// Character is one selectable tile on a room's board.
type Character struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

type themeEntry struct {
	name  string
	image string
}

const defaultTheme = "bd_politics"

// themes maps a theme identifier to its full character pool. Unknown theme
// identifiers are coerced to the default, so only one pool needs populating.
var themes = map[string][]themeEntry{
	defaultTheme: {
		{"মির্জা আব্বাস", "/neta_images/abbas.jpg"},
		{"আমান উল্লাহ আমান", "/neta_images/aman.png"},
		{"লুৎফুজ্জামান বাবর", "/neta_images/babor.png"},
		{"ববি হাজ্জাজ", "/neta_images/bobby.jpg"},
		{"মির্জা ফখরুল", "/neta_images/fakhrul.jpg"},
		{"হাবিবুর রশিদ", "/neta_images/habibur-rashid.jpg"},
		{"হাসনাত আবদুল্লাহ", "/neta_images/hasnat.jpg"},
		{"ইশরাক হোসেন", "/neta_images/ishraque.jpg"},
		{"মামুনুল হক", "/neta_images/mamum.jpg"},
		{"নাহিদ ইসলাম", "/neta_images/nahid.jpg"},
		{"আন্দালিব রহমান পার্থ", "/neta_images/partho.png"},
		{"নাসিরুদ্দিন পাটোয়ারী", "/neta_images/patowari.jpg"},
		{"রুহুল কবির রিজভী", "/neta_images/ruhul.jpg"},
		{"রুমিন ফারহানা", "/neta_images/rumeen.jpg"},
		{"সারজিস আলম", "/neta_images/sarjis.jpg"},
		{"শফিকুর রহমান", "/neta_images/shafique.jpg"},
		{"তারেক রহমান", "/neta_images/tarek.jpg"},
		{"তাসনিম জারা", "/neta_images/tasnim.jpg"},
	},
}

func coerceTheme(theme string) string {
	if _, ok := themes[theme]; !ok {
		return defaultTheme
	}
	return theme
}

func themePoolSize(theme string) int {
	return len(themes[coerceTheme(theme)])
}

// generateBoard draws a freshly shuffled subset of the theme pool and assigns
// each entry a board-stable id (c1, c2, ...). Selection and ordering are
// randomized on every call, so no two rooms share a layout.
func generateBoard(theme string, size int) []Character {
	pool := themes[coerceTheme(theme)]

	picks := make([]themeEntry, len(pool))
	copy(picks, pool)
	shuffle(picks)

	if size > len(picks) {
		size = len(picks)
	}

	board := make([]Character, size)
	for i := 0; i < size; i++ {
		board[i] = Character{
			ID:    fmt.Sprintf("c%d", i+1),
			Name:  picks[i].name,
			Image: picks[i].image,
		}
	}

	return board
}

// shuffledCopy reorders a copy of the board, leaving the room's canonical
// ordering untouched. Each player gets their own layout on join, so neither
// can infer where a tile sits on the opponent's screen.
func shuffledCopy(board []Character) []Character {
	out := make([]Character, len(board))
	copy(out, board)
	shuffle(out)
	return out
}

// Fisher-Yates shuffle using crypto/rand
func shuffle[T any](s []T) {
	for i := len(s) - 1; i > 0; i-- {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		j := int(b[0]) % (i + 1)
		s[i], s[j] = s[j], s[i]
	}
}
