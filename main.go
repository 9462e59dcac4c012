package main

import "vod-transcoder/cmd"

func main() {
	cmd.Execute()
}
