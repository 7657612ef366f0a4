package relay

import "hash/fnv"

// cursorPalette is the fixed set of cursor colors the canvas renders.
var cursorPalette = []string{
	"#E91E63", // pink
	"#9C27B0", // purple
	"#3F51B5", // indigo
	"#2196F3", // blue
	"#009688", // teal
	"#4CAF50", // green
	"#FF9800", // orange
	"#FF5722", // deep orange
	"#795548", // brown
	"#607D8B", // blue grey
}

// ColorFor derives a stable palette color from a subject id, so the same
// user renders the same color within and across sessions.
func ColorFor(subjectID string) string {
	h := fnv.New32a()
	h.Write([]byte(subjectID))
	return cursorPalette[int(h.Sum32()%uint32(len(cursorPalette)))]
}
