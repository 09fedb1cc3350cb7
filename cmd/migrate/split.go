package main

import "strings"

// splitStatements 按分号分割 SQL 语句，忽略字符串中的分号和 "--" 行注释。
// 返回的语句不含结尾分号。
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	var inString bool
	var stringChar byte

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inString:
			current.WriteByte(c)
			if c == stringChar {
				inString = false
			}
		case c == '\'' || c == '"' || c == '`':
			inString = true
			stringChar = c
			current.WriteByte(c)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			// 跳到行尾
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()

	return statements
}
