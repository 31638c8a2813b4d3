package dataset

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownLabel is returned for an emotion name outside the fixed vocabulary.
	ErrUnknownLabel = errors.New("unknown emotion label")
	// ErrLabelVocabulary is returned when a model's class list differs from Emotions().
	ErrLabelVocabulary = errors.New("class label vocabulary mismatch")
	// ErrUnknownDataset is returned for a dataset identifier outside the closed set.
	ErrUnknownDataset = errors.New("unknown dataset")
)

// Emotion is an emotion class id. The ordinal mapping is shared by every
// loader and every checkpoint.
type Emotion int

const (
	Happy Emotion = iota
	Angry
	Sad
	Neutral
	Surprise
)

// NumEmotions is the size of the emotion vocabulary.
const NumEmotions = 5

var emotionNames = [NumEmotions]string{"Happy", "Angry", "Sad", "Neutral", "Surprise"}

func (e Emotion) String() string {
	if e < 0 || int(e) >= NumEmotions {
		return fmt.Sprintf("Emotion(%d)", int(e))
	}
	return emotionNames[e]
}

// Emotions returns the emotion names in class-index order.
func Emotions() []string {
	return append([]string(nil), emotionNames[:]...)
}

// ParseEmotion maps a CSV label to its class id. There is no fallback class.
func ParseEmotion(s string) (Emotion, error) {
	name := strings.TrimSpace(s)
	for i, n := range emotionNames {
		if n == name {
			return Emotion(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, s)
}

// CheckVocabulary verifies that classes matches Emotions() exactly, in order.
func CheckVocabulary(classes []string) error {
	if len(classes) != NumEmotions {
		return fmt.Errorf("%w: got %d classes, want %d", ErrLabelVocabulary, len(classes), NumEmotions)
	}
	for i, c := range classes {
		if c != emotionNames[i] {
			return fmt.Errorf("%w: class %d is %q, want %q", ErrLabelVocabulary, i, c, emotionNames[i])
		}
	}
	return nil
}

// ID names one of the preprocessed corpora.
type ID int

const (
	EnglishTrain ID = iota
	EnglishTest
	MandarinTrain
	MandarinTest
)

var idNames = [...]string{"english_train", "english_test", "mandarin_train", "mandarin_test"}

// IDs returns every dataset identifier.
func IDs() []ID {
	return []ID{EnglishTrain, EnglishTest, MandarinTrain, MandarinTest}
}

// ParseID resolves a dataset name such as "english_train".
func ParseID(s string) (ID, error) {
	for i, n := range idNames {
		if n == s {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownDataset, s, strings.Join(idNames[:], ", "))
}

func (id ID) String() string {
	if id < 0 || int(id) >= len(idNames) {
		return fmt.Sprintf("ID(%d)", int(id))
	}
	return idNames[id]
}

// Language returns the language part of the identifier ("english" or "mandarin").
func (id ID) Language() string {
	name := id.String()
	if i := strings.IndexByte(name, '_'); i >= 0 {
		return name[:i]
	}
	return name
}

// TestSplit returns the held-out split of the same language.
func (id ID) TestSplit() ID {
	switch id {
	case EnglishTrain, EnglishTest:
		return EnglishTest
	case MandarinTrain, MandarinTest:
		return MandarinTest
	default:
		return id
	}
}
