package features

// Cell values of an encoded Image.
const (
	Off uint8 = 0
	On  uint8 = 1
)

const defaultThreshold = 0.5

// Image is a quantized frame in row-major order.
type Image []uint8

// Encoder reduces a dimension×dimension grid of pixel intensities into
// blocks of Resolution×Resolution pixels, one Image cell per block.
type Encoder struct {
	Resolution int
	Threshold  float64
}

func NewEncoder(resolution int) Encoder {
	if resolution <= 0 {
		resolution = 1
	}
	return Encoder{Resolution: resolution, Threshold: defaultThreshold}
}

// Side returns the side length of the encoded grid for a raw grid of the given dimension.
func (e Encoder) Side(dimension int) int {
	return dimension / e.resolution()
}

// Features returns the length of an Image encoded from a raw grid of the given dimension.
func (e Encoder) Features(dimension int) int {
	side := e.Side(dimension)
	return side * side
}

// Encode quantizes samples into an Image. A cell is On when the mean
// intensity of its block exceeds the threshold. samples must hold at
// least dimension² values; shorter input panics.
func (e Encoder) Encode(samples []float64, dimension int) Image {
	if dimension <= 0 {
		return Image{}
	}
	_ = samples[dimension*dimension-1]

	res := e.resolution()
	side := dimension / res
	img := make(Image, side*side)
	area := float64(res * res)

	for row := 0; row < side; row++ {
		for col := 0; col < side; col++ {
			var sum float64
			for dy := 0; dy < res; dy++ {
				base := (row*res+dy)*dimension + col*res
				for dx := 0; dx < res; dx++ {
					sum += samples[base+dx]
				}
			}
			if sum/area > e.Threshold {
				img[row*side+col] = On
			} else {
				img[row*side+col] = Off
			}
		}
	}
	return img
}

func (e Encoder) resolution() int {
	if e.Resolution <= 0 {
		return 1
	}
	return e.Resolution
}
