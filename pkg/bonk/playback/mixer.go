package playback

// Mix folds a master volume and a per-sound volume, both percentages, into the
// device volume sent to one leg's player. The result is not clamped; the player
// enforces its own --volume-max
func Mix(masterPercent, individualPercent float64) float64 {
	return masterPercent * individualPercent / 100
}
