package filestore

import (
	"path"
	"regexp"
	"strings"

	"github.com/koustreak/filestorage/internal/errs"
)

// placeholderPattern matches "{name}", "{^ext}", "{^^^name}" and so on.
var placeholderPattern = regexp.MustCompile(`\{(\^*)(\w+)\}`)

// defaultPlaceholderValue replaces empty, "." and out-of-range placeholder values.
const defaultPlaceholderValue = "0"

// ResolveSubDir derives the sub-directory for fileName from template.
//
// Each "{<carets><word>}" placeholder is replaced independently. The word
// selects the base value: "name" is the file name itself, "ext" or
// "extension" is the part after the last dot. With no carets the whole
// value is used; k carets select the single character at index k-1.
// Out-of-range indexes, empty values and "." become "0".
//
// An empty template yields an empty sub-directory.
func ResolveSubDir(template, fileName string) (string, error) {
	if template == "" {
		return "", nil
	}

	var resolveErr error
	result := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if resolveErr != nil {
			return match
		}
		groups := placeholderPattern.FindStringSubmatch(match)
		value, err := placeholderValue(groups[2], len(groups[1]), fileName)
		if err != nil {
			resolveErr = err
			return match
		}
		return value
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

// FileNameWithSubDir returns fileName prefixed by its resolved sub-directory.
// Every backend goes through this function to turn a file name into its key.
func FileNameWithSubDir(template, fileName string) (string, error) {
	subDir, err := ResolveSubDir(template, fileName)
	if err != nil {
		return "", err
	}
	if subDir == "" {
		return fileName, nil
	}
	return subDir + "/" + fileName, nil
}

func placeholderValue(word string, carets int, fileName string) (string, error) {
	var value string
	switch word {
	case "name":
		value = fileName
	case "ext", "extension":
		value = fileExtension(fileName)
	default:
		return "", errs.Newf(errs.ErrKindUnknownPlaceholder,
			"unable to resolve file sub dir: unknown placeholder %q", word)
	}

	if carets > 0 {
		runes := []rune(value)
		if carets-1 < len(runes) {
			value = string(runes[carets-1])
		} else {
			value = defaultPlaceholderValue
		}
	}

	if value == "" || value == "." {
		value = defaultPlaceholderValue
	}
	return value, nil
}

// fileExtension returns the text after the last dot of the base name.
func fileExtension(fileName string) string {
	base := path.Base(fileName)
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return ""
	}
	return base[i+1:]
}
