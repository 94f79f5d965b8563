package core

// Replies use the HTML subset understood by Telegram; other platforms convert it.
const (
	msgWelcome = "Hi! Send me any photo or image file.\n" +
		"Then <b>reply</b> to my message with the desired <b>width</b> in pixels\n" +
		"(aspect ratio will be preserved)\n\n" +
		"Examples:  <code>800</code>   <code>1080</code>   <code>500</code>\n\n" +
		"Send /cancel to forget the last image."

	msgNotAnImage    = "Please send a photo or an image file."
	msgCannotOpen    = "Sorry, I couldn't open this image 😔"
	msgDownloadError = "Sorry, I couldn't download this file. Please try again."
	msgFileTooLarge  = "Sorry, this file is too large for me."

	// width, height
	msgImageReceived = "Image received! Original size: %d × %d\n\n" +
		"Reply to <b>this</b> message with the desired <b>width</b> (in pixels).\n" +
		"I will keep the aspect ratio."

	msgNoImage = "No recent image found. Please send a photo first."

	// min, max
	msgInvalidWidth = "Please send a valid number (%d–%d)"

	msgResizeFailed = "Sorry, resizing failed. Try a different width."

	// width, height
	msgResizedCaption = "Resized to %d × %d"

	msgCancelled     = "OK, I forgot your last image."
	msgNothingToDrop = "There is no pending image."

	msgGenericError = "Sorry, something went wrong. Please try again."

	msgLiveness = "Image Resizer Bot is running!"
)
