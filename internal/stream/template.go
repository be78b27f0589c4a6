package stream

import (
	"strconv"
	"strings"
)

const (
	placeholderSource   = "###VIDEO_SOURCE"
	placeholderInterval = "###INTERVAL"
)

// ffmpeg 参数模板，输出为 image2pipe 的连续 JPEG
const (
	rtspArgs         = "-i ###VIDEO_SOURCE -loglevel quiet -an -f image2pipe -vf fps=1/###INTERVAL -q 1 pipe:1"
	avfoundationArgs = "-f avfoundation -framerate 15 -video_device_index ###VIDEO_SOURCE -i default -loglevel quiet -an -f image2pipe -vf scale=640:360,fps=1/###INTERVAL -q 1 pipe:1"
	v4l2Args         = "-f video4linux2 -i ###VIDEO_SOURCE -framerate 15 -loglevel quiet -an -f image2pipe -vf scale=640:360,fps=1/###INTERVAL -q 1 pipe:1"
)

// IsNetworkSource 是否为网络流地址
func IsNetworkSource(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "rtsp://") || strings.HasPrefix(s, "rtsps://") ||
		strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// BuildArgs 按视频源和平台生成 ffmpeg 参数。
// 模板先按空格切分再替换占位符，带空格的源地址保持为单个参数
func BuildArgs(source string, intervalSeconds int, goos string) []string {
	tmpl := rtspArgs
	if !IsNetworkSource(source) {
		if goos == "darwin" {
			tmpl = avfoundationArgs
		} else {
			tmpl = v4l2Args
		}
	}

	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}

	fields := strings.Fields(tmpl)
	args := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Replace(f, placeholderSource, source, 1)
		f = strings.Replace(f, placeholderInterval, strconv.Itoa(intervalSeconds), 1)
		args = append(args, f)
	}
	return args
}
