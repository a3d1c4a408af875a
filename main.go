package main

import "github.com/OpenPhotoAlbum/photo-process-sub000/cmd"

func main() {
	cmd.Execute()
}
