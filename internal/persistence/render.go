package persistence

import "strconv"

func renderInt(v int64) string { return strconv.FormatInt(v, 10) }

func renderFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
