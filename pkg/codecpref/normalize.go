// Package codecpref переупорядочивает аудио кодеки в SDP предложении.
//
// Часть старых шлюзов отвергает предложение, если первыми не идут
// PCMU (0) и PCMA (8). Normalize переставляет их в начало списка форматов
// строки m=audio, не добавляя и не удаляя ни одного payload type.
package codecpref

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// Preferred порядок предпочтительных payload type
var Preferred = []string{"0", "8"}

const audioPrefix = "m=audio"

// Normalize возвращает SDP, в котором у первой строки m=audio payload type
// 0 и 8 стоят первыми. Меняется только хвост этой строки со списком форматов.
// Если аудио описания нет, вход возвращается без изменений.
func Normalize(sdpText string) string {
	lines := strings.Split(sdpText, "\n")
	for i, line := range lines {
		body := strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(body, audioPrefix+" ") {
			continue
		}
		rewritten, ok := rewriteMediaLine(body)
		if !ok {
			return sdpText
		}
		lines[i] = rewritten + line[len(body):]
		return strings.Join(lines, "\n")
	}
	return sdpText
}

// rewriteMediaLine переставляет форматы в строке вида
// "m=audio <port> <proto> <fmt> <fmt> ...". Префикс до первого формата
// сохраняется посимвольно.
func rewriteMediaLine(line string) (string, bool) {
	// пропускаем три поля: m=audio, порт, протокол
	idx := 0
	for field := 0; field < 3; field++ {
		idx = skipSpaces(line, idx)
		next := strings.IndexByte(line[idx:], ' ')
		if next < 0 {
			return line, false
		}
		idx += next
	}
	prefix := line[:idx]
	formats := strings.Fields(line[idx:])
	if len(formats) == 0 {
		return line, false
	}
	return prefix + " " + strings.Join(ReorderFormats(formats), " "), true
}

func skipSpaces(s string, i int) int {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	return i
}

// ReorderFormats ставит предпочтительные форматы первыми в фиксированном
// порядке, остальные сохраняют исходный относительный порядок.
// Возвращает новый срез той же длины.
func ReorderFormats(formats []string) []string {
	out := make([]string, 0, len(formats))
	used := make([]bool, len(formats))
	for _, pref := range Preferred {
		for i, f := range formats {
			if !used[i] && f == pref {
				out = append(out, f)
				used[i] = true
				break
			}
		}
	}
	for i, f := range formats {
		if !used[i] {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeDescription применяет тот же порядок к разобранному описанию.
// Возвращает true, если аудио описание найдено.
func NormalizeDescription(desc *sdp.SessionDescription) bool {
	if desc == nil {
		return false
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		md.MediaName.Formats = ReorderFormats(md.MediaName.Formats)
		return true
	}
	return false
}

// NormalizeBytes разбирает SDP через pion/sdp, переставляет форматы и
// сериализует обратно. При ошибке разбора используется текстовая замена.
func NormalizeBytes(raw []byte) []byte {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return []byte(Normalize(string(raw)))
	}
	if !NormalizeDescription(&desc) {
		return raw
	}
	out, err := desc.Marshal()
	if err != nil {
		return []byte(Normalize(string(raw)))
	}
	return out
}
