// Пакет xattr — тонкая обёртка над POSIX extended attributes
// (golang.org/x/sys/unix.F{set,get,list,remove}xattr), на которых
// строятся replay guard'ы и политика inline/spill атрибутов (spec §3,
// §4.5). Промотирован из косвенной зависимости учителя (который сам
// xattr не использует, храня метаданные в *.attr.json) в прямую —
// движку они нужны по-настоящему.
package xattr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Отдельной sentinel-ошибки для отсутствующего атрибута нет: функции
// пакета оборачивают исходную ошибку (ENODATA/ENOATTR) с контекстом,
// так что вызывающий код сравнивает через errors.Is(err, unix.ENODATA).

// Set устанавливает значение расширенного атрибута name на файле fd.
func Set(fd int, name string, value []byte) error {
	if err := unix.Fsetxattr(fd, name, value, 0); err != nil {
		return fmt.Errorf("fsetxattr %s: %w", name, err)
	}
	return nil
}

// Get читает значение расширенного атрибута. Возвращает
// unix.ENODATA-обёрнутую ошибку, если атрибут отсутствует.
func Get(fd int, name string) ([]byte, error) {
	// Первый проход — узнать размер.
	size, err := unix.Fgetxattr(fd, name, nil)
	if err != nil {
		return nil, fmt.Errorf("fgetxattr %s (size): %w", name, err)
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	n, err := unix.Fgetxattr(fd, name, buf)
	if err != nil {
		return nil, fmt.Errorf("fgetxattr %s: %w", name, err)
	}
	return buf[:n], nil
}

// Remove удаляет атрибут; отсутствие атрибута не считается ошибкой.
func Remove(fd int, name string) error {
	if err := unix.Fremovexattr(fd, name); err != nil && err != unix.ENODATA {
		return fmt.Errorf("fremovexattr %s: %w", name, err)
	}
	return nil
}

// List перечисляет имена всех расширенных атрибутов файла.
func List(fd int) ([]string, error) {
	size, err := unix.Flistxattr(fd, nil)
	if err != nil {
		return nil, fmt.Errorf("flistxattr (size): %w", err)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Flistxattr(fd, buf)
	if err != nil {
		return nil, fmt.Errorf("flistxattr: %w", err)
	}
	return splitNames(buf[:n]), nil
}

func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
