// Package media wraps the ffprobe and ffmpeg binaries used by the reframing
// pipeline: probing sources, decoding raw RGBA frames, encoding transformed
// frames, extracting the audio track and muxing the final MP4.
//
// Every call shells out with exec.CommandContext so a cancelled context kills
// the child process. Errors carry the trimmed stderr of the failing command.
package media
