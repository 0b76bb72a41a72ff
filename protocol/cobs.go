package protocol

// COBS implements Consistent Overhead Byte Stuffing: encoding data so the
// encoded form never contains a 0x00 byte, making 0x00 safe to use as a
// frame delimiter.

// COBSEncode encodes input (0 <= len(input) <= COBSMaxBlockSize) into output,
// returning the number of bytes written. The caller is responsible for
// appending the 0x00 delimiter after the returned bytes.
func COBSEncode(input []byte, output []byte) (int, error) {
	if input == nil || output == nil {
		return 0, ErrLinkInvalidParam
	}
	if len(input) == 0 {
		return 0, nil
	}
	if len(input) > COBSMaxBlockSize {
		return 0, ErrLinkInvalidParam
	}

	maxEncodedLength := len(input) + len(input)/254 + 1
	if len(output) < maxEncodedLength {
		return 0, ErrLinkBufferFull
	}

	readIndex := 0
	writeIndex := 1
	codeIndex := 0
	code := byte(1)

	for readIndex < len(input) {
		if input[readIndex] == 0 {
			output[codeIndex] = code
			code = 1
			codeIndex = writeIndex
			writeIndex++
		} else {
			output[writeIndex] = input[readIndex]
			writeIndex++
			code++
			if code == cobsMaxCode {
				output[codeIndex] = code
				code = 1
				codeIndex = writeIndex
				writeIndex++
			}
		}
		readIndex++
	}

	output[codeIndex] = code

	return writeIndex, nil
}

// COBSDecode scans input for the first 0x00 delimiter and decodes the bytes
// preceding it into output. consumed reports how many input bytes were
// consumed, including the delimiter. Returns ErrCOBSIncomplete when no
// delimiter is present yet, so the caller can wait for more bytes.
func COBSDecode(input []byte, output []byte) (decoded int, consumed int, err error) {
	if input == nil || output == nil {
		return 0, 0, ErrLinkInvalidParam
	}
	if len(input) == 0 {
		return 0, 0, nil
	}

	frameEnd := -1
	for i, b := range input {
		if b == cobsDelimiter {
			frameEnd = i
			break
		}
	}
	if frameEnd == -1 {
		return 0, 0, ErrCOBSIncomplete
	}
	if frameEnd == 0 {
		return 0, 1, nil
	}
	if len(output) < frameEnd {
		return 0, 0, ErrLinkBufferFull
	}

	readIndex := 0
	writeIndex := 0

	for readIndex < frameEnd {
		code := input[readIndex]
		if code == 0 {
			return 0, 0, ErrLinkInvalidFrame
		}
		readIndex++

		if readIndex+int(code)-1 > frameEnd {
			return 0, 0, ErrLinkInvalidFrame
		}
		if writeIndex+int(code)-1 > len(output) {
			return 0, 0, ErrLinkBufferFull
		}

		for i := byte(1); i < code; i++ {
			output[writeIndex] = input[readIndex]
			writeIndex++
			readIndex++
		}

		if code < cobsMaxCode && readIndex < frameEnd {
			if writeIndex >= len(output) {
				return 0, 0, ErrLinkBufferFull
			}
			output[writeIndex] = 0
			writeIndex++
		}
	}

	return writeIndex, frameEnd + 1, nil
}

// ErrCOBSIncomplete signals that no delimiter has been found yet in the
// buffer handed to COBSDecode; the caller should wait for more bytes rather
// than treating this as a hard failure.
var ErrCOBSIncomplete = newError(RangeLink, 10, "incomplete COBS frame")
